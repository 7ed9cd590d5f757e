package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	domain "github.com/ultramarket/orders-api/internal/domain"
	"github.com/ultramarket/orders-api/internal/repositories"
)

const (
	hashPrefix = "sha256:"

	maxActorLen     = 160
	maxActionLen    = 120
	maxTargetLen    = 200
	maxRequestIDLen = 128
	maxUserAgentLen = 256
	maxFieldKeyLen  = 80
	maxFieldValLen  = 512
)

// AuditLogger is the minimal logging surface the audit writer needs.
type AuditLogger interface {
	Warnf(format string, args ...any)
}

type silentAuditLogger struct{}

func (silentAuditLogger) Warnf(string, ...any) {}

// AuditLogServiceDeps bundles constructor inputs for the audit writer.
type AuditLogServiceDeps struct {
	Repository repositories.AuditLogRepository
	Clock      func() time.Time
	Logger     AuditLogger
	HashSalt   string
}

type auditLogService struct {
	repo   repositories.AuditLogRepository
	clock  func() time.Time
	logger AuditLogger
	salt   string
}

// NewAuditLogService creates the audit writer backed by the supplied
// repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("audit log service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = silentAuditLogger{}
	}
	return &auditLogService{
		repo:   deps.Repository,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
		salt:   deps.HashSalt,
	}, nil
}

// Record writes one audit entry. Failures are logged, not returned: an audit
// write must never abort the mutation it describes.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Append(ctx, s.newEntry(record)); err != nil {
		s.logger.Warnf("audit log append failed: %v", err)
	}
}

// List retrieves paginated audit entries. Filter strings are trimmed; the
// page token passes through untouched for the repository cursor codec.
func (s *auditLogService) List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error) {
	if s.repo == nil {
		return domain.CursorPage[AuditLogEntry]{}, fmt.Errorf("audit log service: repository is required")
	}
	page, err := s.repo.List(ctx, repositories.AuditLogFilter{
		TargetRef:  strings.TrimSpace(filter.TargetRef),
		Actor:      strings.TrimSpace(filter.Actor),
		ActorType:  strings.TrimSpace(filter.ActorType),
		Action:     strings.TrimSpace(filter.Action),
		DateRange:  filter.DateRange,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[AuditLogEntry]{}, err
	}
	return domain.CursorPage[AuditLogEntry]{
		Items:         page.Items,
		NextPageToken: page.NextPageToken,
	}, nil
}

func (s *auditLogService) newEntry(record AuditLogRecord) domain.AuditLogEntry {
	occurred := record.OccurredAt.UTC()
	if record.OccurredAt.IsZero() {
		occurred = s.clock()
	}

	entry := domain.AuditLogEntry{
		Actor:     cleanText(record.Actor, maxActorLen),
		ActorType: classifyActor(record.ActorType, record.Actor),
		Action:    cleanText(record.Action, maxActionLen),
		TargetRef: cleanText(record.TargetRef, maxTargetLen),
		Severity:  severityOf(record.Severity),
		RequestID: cleanText(record.RequestID, maxRequestIDLen),
		UserAgent: cleanText(record.UserAgent, maxUserAgentLen),
		CreatedAt: occurred,
	}
	if meta := s.scrubFields(record.Metadata, record.SensitiveMetadataKeys); len(meta) > 0 {
		entry.Metadata = meta
	}
	if diff := s.scrubDiff(record.Diff, record.SensitiveDiffKeys); len(diff) > 0 {
		entry.Diff = diff
	}
	if ip := strings.TrimSpace(record.IPAddress); ip != "" {
		entry.IPHash = s.tagged(ip)
	}
	return entry
}

// scrubFields caps metadata keys and values and replaces sensitive values
// with salted hashes.
func (s *auditLogService) scrubFields(fields map[string]any, sensitive []string) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	hidden := sensitiveKeySet(sensitive)
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		key = cleanText(key, maxFieldKeyLen)
		if key == "" {
			continue
		}
		if _, hide := hidden[strings.ToLower(key)]; hide {
			out[key] = s.tagged(value)
			continue
		}
		out[key] = cleanValue(value)
	}
	return out
}

func (s *auditLogService) scrubDiff(diff map[string]AuditLogDiff, sensitive []string) map[string]any {
	if len(diff) == 0 {
		return nil
	}
	hidden := sensitiveKeySet(sensitive)
	out := make(map[string]any, len(diff))
	for key, change := range diff {
		key = cleanText(key, maxFieldKeyLen)
		if key == "" {
			continue
		}
		if _, hide := hidden[strings.ToLower(key)]; hide {
			out[key] = map[string]any{
				"before": s.tagged(change.Before),
				"after":  s.tagged(change.After),
			}
			continue
		}
		out[key] = map[string]any{
			"before": cleanValue(change.Before),
			"after":  cleanValue(change.After),
		}
	}
	return out
}

func (s *auditLogService) tagged(value any) string {
	return hashPrefix + s.hashAny(value)
}

func (s *auditLogService) hashString(value string) string {
	sum := sha256.Sum256([]byte(s.salt + strings.TrimSpace(value)))
	return hex.EncodeToString(sum[:])
}

// hashAny prefers the JSON encoding of the value and falls back to a
// reflect-built stable form for values encoding/json rejects.
func (s *auditLogService) hashAny(value any) string {
	switch v := value.(type) {
	case string:
		return s.hashString(v)
	case fmt.Stringer:
		return s.hashString(v.String())
	case []byte:
		return s.hashString(string(v))
	}
	if b, err := json.Marshal(value); err == nil {
		return s.hashString(string(b))
	}
	if stable := stableForHash(value); stable != nil {
		if b, err := json.Marshal(stable); err == nil {
			return s.hashString(string(b))
		}
	}
	return s.hashString(fmt.Sprintf("%T", value))
}

// classifyActor trusts an explicit well-known actor type and otherwise
// infers one from the actor reference.
func classifyActor(actorType, actor string) string {
	switch kind := strings.ToLower(strings.TrimSpace(actorType)); kind {
	case "user", "staff", "system", "service":
		return kind
	}
	actor = strings.ToLower(strings.TrimSpace(actor))
	switch {
	case strings.HasPrefix(actor, "/users/") || strings.HasPrefix(actor, "user:"):
		return "user"
	case strings.HasPrefix(actor, "/staff/") || strings.HasPrefix(actor, "staff:"):
		return "staff"
	case actor == "system" || strings.HasPrefix(actor, "system:"):
		return "system"
	case strings.HasPrefix(actor, "service:"):
		return "service"
	}
	return "unknown"
}

func severityOf(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	}
	return "info"
}

func sensitiveKeySet(keys []string) map[string]struct{} {
	if len(keys) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = cleanText(key, maxFieldKeyLen)
		if key == "" {
			continue
		}
		set[strings.ToLower(key)] = struct{}{}
	}
	return set
}

// cleanValue caps string-like values; other types pass through for the JSON
// encoder to handle.
func cleanValue(value any) any {
	switch v := value.(type) {
	case string:
		return cleanText(v, maxFieldValLen)
	case fmt.Stringer:
		return cleanText(v.String(), maxFieldValLen)
	}
	return value
}

// cleanText trims the input, strips control characters and caps the result
// at limit bytes.
func cleanText(input string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range input {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= limit {
			break
		}
	}
	return b.String()
}

// stableField is one key/value pair of a deterministic hash form. Maps and
// structs become sorted pair lists so equal values hash equal regardless of
// iteration order.
type stableField struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func stableForHash(value any) any {
	return stableValue(reflect.ValueOf(value))
}

func stableValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return stableValue(v.Elem())
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		fields := make([]stableField, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			fields = append(fields, stableField{
				Key:   mapKeyString(iter.Key()),
				Value: stableValue(iter.Value()),
			})
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
		return fields
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes()
		}
		fallthrough
	case reflect.Array:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = stableValue(v.Index(i))
		}
		return out
	case reflect.Struct:
		t := v.Type()
		fields := make([]stableField, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" {
				continue
			}
			name := field.Name
			tag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
			fields = append(fields, stableField{Key: name, Value: stableValue(v.Field(i))})
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
		return fields
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.String:
		return v.String()
	}
	if v.CanInterface() {
		return v.Interface()
	}
	return fmt.Sprintf("<unexported:%s>", v.Type())
}

// mapKeyString renders a map key deterministically for sorting.
func mapKeyString(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return "<nil>"
		}
		return mapKeyString(v.Elem())
	case reflect.String:
		return v.String()
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	}
	if v.CanInterface() {
		return fmt.Sprintf("%#v", v.Interface())
	}
	return v.Type().String()
}

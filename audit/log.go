package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Log receives audit records. Append is called after the corresponding
// transition has committed; an append failure is surfaced to the caller but
// never reverts the transition it describes.
type Log interface {
	Append(ctx context.Context, rec Record) error
}

// MemoryLog keeps records in memory, in append order.
type MemoryLog struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of the appended records.
func (m *MemoryLog) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// ByKind returns the appended records matching kind, in append order.
func (m *MemoryLog) ByKind(kind Kind) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

// ZapLog writes each record as one structured log entry.
type ZapLog struct {
	logger *zap.Logger
}

func NewZapLog(logger *zap.Logger) *ZapLog {
	return &ZapLog{logger: logger}
}

func (z *ZapLog) Append(_ context.Context, rec Record) error {
	fields := []zap.Field{
		zap.String("kind", string(rec.Kind)),
		zap.Time("at", rec.At),
	}
	if rec.EscrowID != "" {
		fields = append(fields, zap.String("escrow_id", rec.EscrowID))
	}
	if rec.Actor != "" {
		fields = append(fields, zap.String("actor", rec.Actor))
	}
	if rec.Payer != "" {
		fields = append(fields, zap.String("payer", rec.Payer))
	}
	if rec.Payee != "" {
		fields = append(fields, zap.String("payee", rec.Payee))
	}
	if rec.Vault != "" {
		fields = append(fields, zap.String("vault", rec.Vault))
	}
	if rec.TokenKind != "" {
		fields = append(fields, zap.String("token_kind", rec.TokenKind))
	}
	if rec.Amount != nil {
		fields = append(fields, zap.String("amount", rec.Amount.String()))
	}
	if rec.Fee != nil {
		fields = append(fields, zap.String("fee", rec.Fee.String()))
	}
	if len(rec.Detail) > 0 {
		fields = append(fields, zap.Any("detail", rec.Detail))
	}
	z.logger.Info("audit", fields...)
	return nil
}

// MultiLog fans each record out to every sink, returning the first error.
type MultiLog []Log

func (m MultiLog) Append(ctx context.Context, rec Record) error {
	var first error
	for _, log := range m {
		if err := log.Append(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

package credits

import (
	"context"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing balance operation.
type OperationLog struct {
	Operation   string
	UserID      string
	Amount      AmountCredits
	NewBalance  AmountCredits
	Description string
	Reference   Reference
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithInitialGrant sets the balance granted when an account is created implicitly.
func WithInitialGrant(amount AmountCredits) ServiceOption {
	return func(service *Service) {
		service.initialGrant = amount
	}
}

// ZapOperationLogger emits operation logs through a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger as an OperationLogger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation writes one structured line per balance mutation.
func (zapLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	if zapLogger.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("new_balance", entry.NewBalance.Int64()),
		zap.String("status", entry.Status),
	}
	if !entry.Reference.IsZero() {
		fields = append(fields,
			zap.String("reference_id", entry.Reference.ID),
			zap.String("reference_type", entry.Reference.Type),
		)
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("balance operation failed", fields...)
		return
	}
	zapLogger.logger.Info("balance operation", fields...)
}

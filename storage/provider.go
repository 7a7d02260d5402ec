package storage

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

// ConnectionStatus describes the state of a provider's backing connection.
type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "Disconnected"
	Connecting   ConnectionStatus = "Connecting"
	Connected    ConnectionStatus = "Connected"
)

// baseProvider carries the zap loggers and connection status shared by the
// concrete providers.
type baseProvider struct {
	logger        *zap.Logger
	sugaredLogger *zap.SugaredLogger

	status ConnectionStatus
}

func newBaseProvider() *baseProvider {
	provider := &baseProvider{
		status: Disconnected,
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "[ERROR] Failed to create Zap Development logger because: %v\n", err)
		return nil
	}
	provider.logger = logger
	provider.sugaredLogger = logger.Sugar()

	return provider
}

// ConnectionStatus returns the current ConnectionStatus of the provider.
func (p *baseProvider) ConnectionStatus() ConnectionStatus {
	return p.status
}

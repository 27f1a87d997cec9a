package tracker

import (
	"os"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// NewService selects the tracker backend for a repository token. The mock
// backend is selected for end-to-end testing via CYRUS_MOCK_TRACKER; an
// empty token yields the noop backend.
func NewService(token string, log *logger.Logger) (Service, string) {
	if os.Getenv("CYRUS_MOCK_TRACKER") == "true" {
		log.Info("using mock issue tracker")
		return NewMockService(), "mock"
	}
	if token == "" {
		return &NoopService{}, "none"
	}
	return NewLinearClient(token, log), "linear"
}

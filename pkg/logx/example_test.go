package logx

import (
	"fmt"
	"testing"
)

func ExampleLogger_dispatcher_usage() {
	fmt.Println("=== Dispatcher Logging Demo ===")

	dispatcher := NewLogger("dispatch")
	dispatcher.Info("Starting request file %s", "requests.jsonl")
	dispatcher.Debug("Loading configuration from %s", "config.yaml")

	capacityLog := NewLogger("capacity")
	providerLog := NewLogger("provider")

	capacityLog.Info("Bootstrapped RPM=%d TPM=%d", 5000, 450000)
	providerLog.Info("Row %d attempt %d", 42, 1)
	providerLog.Warn("Row %d hit rate limit, backing off", 42)

	retryLog := providerLog.WithAgentID("row-42-retry")
	retryLog.Info("Retrying after cooldown")

	dispatcher.Info("All rows processed")
	fmt.Println("=== End Demo ===")
}

func TestDispatcherUsage(t *testing.T) {
	ExampleLogger_dispatcher_usage()
}

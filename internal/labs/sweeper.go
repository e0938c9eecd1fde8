package labs

import (
	"context"
	"log"
	"time"
)

// SweepInterval is how often the expiry sweeper runs.
const SweepInterval = 5 * time.Minute

// StartSweepWorker launches a background goroutine that sweeps expired
// labs once at startup and then on a fixed interval, independent of
// request traffic.
func StartSweepWorker(m *Manager) {
	go func() {
		sweep(m)

		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()

		for range ticker.C {
			sweep(m)
		}
	}()
}

func sweep(m *Manager) {
	n, err := m.SweepExpired(context.Background())
	if err != nil {
		log.Printf("labs: sweep scan error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("labs: swept %d expired labs", n)
	}
}

package manager

import (
	"context"

	"parcel/internal/logging"
	"parcel/internal/status"
	"parcel/internal/tracker"
	"parcel/internal/workeragent"
	"parcel/internal/wsrpc"
)

// evaluateContainers gives each tracked container with server-side duties
// its cron turn when the per-container interval has elapsed.
func (m *Manager) evaluateContainers(ctx context.Context) {
	now := m.now()
	for _, tracked := range m.store.Containers() {
		interval := tracked.Container.Cron.CleanupInterval
		if interval <= 0 && tracked.Container.Cron.RetentionTime > 0 {
			interval = m.cfg.CronCheckIntervalDuration()
		}
		if interval <= 0 {
			continue
		}
		if !tracked.LastCronRun.IsZero() && now.Sub(tracked.LastCronRun) < interval {
			continue
		}

		agent := m.cronAgent(tracked)
		if agent == nil {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeoutDuration())
		result, err := agent.RunContainerCron(callCtx, tracked.Container)
		cancel()
		tracked.LastCronRun = now
		switch {
		case err != nil:
			if wsrpc.IsTransportError(err) {
				m.dropAgent(agent, err)
			}
			tracked.MonitoredOK = false
			tracked.MonitorMessage = err.Error()
		case !result.OK:
			tracked.MonitoredOK = false
			tracked.MonitorMessage = result.Reason.Tech
		default:
			tracked.MonitoredOK = true
			tracked.MonitorMessage = ""
		}

		if !tracked.MonitoredOK {
			m.logger.Warn("container cron failed",
				logging.String(logging.FieldContainerID, string(tracked.Container.ID)),
				logging.String("message", tracked.MonitorMessage),
				logging.String(logging.FieldEventType, "container_cron_failed"),
				logging.String(logging.FieldErrorHint, "check the container's accessors on the worker"))
		}
		if m.publisher != nil {
			m.publisher.Enqueue(status.Update{
				ContainerID: tracked.Container.ID,
				StatusInfo:  tracked.MonitorMessage,
				IsError:     !tracked.MonitoredOK,
			})
		}
	}
}

// cronAgent picks a connected worker that declared an accessor type the
// container offers.
func (m *Manager) cronAgent(tracked *tracker.TrackedContainer) *workeragent.Agent {
	for _, agent := range m.fleet.All() {
		capabilities := agent.Capabilities()
		for _, accessor := range tracked.Container.Accessors {
			if capabilities.SupportsAccessor(accessor.Type) {
				return agent
			}
		}
	}
	return nil
}

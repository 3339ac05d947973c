// Package delivery polls the backend for changes to a set of targets, such
// as new epochs of the groups a client holds.
//
// The backend has no push channel, so each target is polled with an
// adaptive interval: it starts at the initial interval, grows by the backoff
// multiplier while nothing changes, and resets as soon as a change is seen.
// Random jitter is added to every wait so that many clients do not poll in
// lockstep.
//
//	p := delivery.NewPoller(delivery.Config{}, targets, check)
//	p.Start(ctx)
//	defer p.Stop()
//
// The target set is read again before every cycle, so targets can appear
// and disappear while the poller runs.
package delivery

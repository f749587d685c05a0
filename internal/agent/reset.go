package agent

import (
	"go.uber.org/multierr"

	"github.com/relaykeep/backup-agent/internal/sentinel"
)

// onResetBackup implements spec.md §4.10: tear down on entry, debounce for
// coolDownIntervalMs, then return to INIT.
func (a *Agent) onResetBackup(nowMs int64) (int, error) {
	if a.coolDownDeadlineMs == sentinel.NullValue {
		// reset() clears coolDownDeadlineMs, so the deadline is set after it.
		err := a.reset()
		a.coolDownDeadlineMs = nowMs + a.cfg.CoolDownIntervalMs
		if err != nil {
			return 0, err
		}
		return 1, nil
	}

	if nowMs >= a.coolDownDeadlineMs {
		a.coolDownDeadlineMs = sentinel.NullValue
		// Restart the progress clock so the stall check does not send the
		// agent straight back to RESET_BACKUP.
		a.timeOfLastProgressMs = nowMs
		a.transitionTo(StateInit, nowMs)
		return 1, nil
	}
	return 0, nil
}

// reset tears down every owned, cycle-scoped resource and clears
// in-flight state. Fields are nulled before their owners are closed so a
// close path that re-enters reset (e.g. via a double Close) observes
// already-nil fields rather than double-closing (spec.md §3 "Ownership",
// §9 "null first, then close").
func (a *Agent) reset() error {
	recordingLog := a.recordingLog
	pub := a.consensusPublication
	clusterArchive := a.clusterArchive

	a.recordingLog = nil
	a.consensusPublication = nil
	a.clusterArchive = nil

	var err error
	if recordingLog != nil {
		err = multierr.Append(err, recordingLog.Close())
	}
	if pub != nil {
		err = multierr.Append(err, pub.Close())
	}
	if clusterArchive != nil {
		err = multierr.Append(err, clusterArchive.Close())
	}

	a.resetVolatileState()
	return err
}

package results

import "github.com/ipfsnut/nstplusd/internal/session"

// ReconstructState rebuilds the checksum-relevant session state from
// an exported results view. Volatile fields are not recoverable and
// are not part of the digest, so the reconstruction verifies exactly.
func ReconstructState(view *FullResults) *session.State {
	state := &session.State{
		ID:            view.SessionID,
		ParticipantID: view.ParticipantID,
		KeyMapping:    view.KeyMapping,
		Status:        view.Status,
	}
	for _, tr := range view.Trials {
		trial := session.Trial{
			Number:      tr.Number,
			Task:        tr.Task,
			EffortLevel: tr.EffortLevel,
		}
		for _, pos := range tr.Positions {
			if pos.Digit != nil {
				trial.Digits = append(trial.Digits, *pos.Digit)
			}
			if pos.Response != nil {
				event := session.ResponseEvent{
					TrialNumber: tr.Number,
					Position:    pos.Position,
					Response:    *pos.Response,
				}
				if pos.Digit != nil {
					event.Digit = *pos.Digit
				}
				if pos.ResponseTimeMs != nil {
					event.ResponseTimeMs = *pos.ResponseTimeMs
				}
				state.Responses = append(state.Responses, event)
			}
		}
		state.Trials = append(state.Trials, trial)
	}
	return state
}

// VerifyExport recomputes the checksum for an exported results view
// against the checksum embedded in it.
func VerifyExport(view *FullResults) error {
	return VerifyChecksum(ReconstructState(view), view.Checksum)
}

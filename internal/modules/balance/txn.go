package balance

import "github.com/rs/zerolog"

// step is one unit of an atomic sequence: do applies it, undo reverts it
type step struct {
	name string
	do   func() error
	undo func() error
}

// runAtomic executes steps in order. On the first failure every completed
// step is undone in reverse order and the original error is returned. Undo
// failures are logged; the first error still wins.
func runAtomic(log zerolog.Logger, steps []step) error {
	completed := make([]step, 0, len(steps))
	for _, s := range steps {
		if err := s.do(); err != nil {
			for i := len(completed) - 1; i >= 0; i-- {
				prev := completed[i]
				if prev.undo == nil {
					continue
				}
				if undoErr := prev.undo(); undoErr != nil {
					log.Error().Err(undoErr).Str("step", prev.name).Msg("Rollback step failed")
				}
			}
			return err
		}
		completed = append(completed, s)
	}
	return nil
}

// SPDX-License-Identifier: MIT

package playlist

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one element of the singing queue.
type Entry struct {
	ID     uuid.UUID `json:"id"`
	Song   int64     `json:"song"`
	Singer string    `json:"singer"`
	// PredictedEnd is the instant this entry is expected to finish playing,
	// recomputed on every mutation.
	PredictedEnd time.Time `json:"predictedEnd"`
	// Password optionally lets the submitter remove the entry again without
	// admin rights.
	Password string `json:"password,omitempty"`
}

// state is the persisted playlist aggregate. The snapshot written to disk
// and the snapshot broadcast to subscribers are the same bytes.
type state struct {
	NowPlaying *Entry  `json:"nowPlaying"`
	List       []Entry `json:"list"`
	// IntermissionTotal accumulates the observed breaks between songs, in
	// seconds. averageIntermission = total / count when count > 0.
	IntermissionTotal float64 `json:"intermissionTotal"`
	IntermissionCount uint64  `json:"intermissionCount"`
}

// averageIntermission returns the mean break between songs, zero before the
// first observation.
func (s *state) averageIntermission() time.Duration {
	if s.IntermissionCount == 0 {
		return 0
	}
	return time.Duration(s.IntermissionTotal / float64(s.IntermissionCount) * float64(time.Second))
}

// indexOf returns the list position of id, or -1.
func (s *state) indexOf(id uuid.UUID) int {
	for i := range s.List {
		if s.List[i].ID == id {
			return i
		}
	}
	return -1
}

package jobs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pictoria/pictoria/internal/derivative"
	"github.com/pictoria/pictoria/internal/imaging"
)

func TestFailureOutcome(t *testing.T) {
	noSpace := fmt.Errorf("1024 bytes for collection x: %w", derivative.ErrNoCacheSpace)
	assert.Equal(t, "skipped", failureOutcome(noSpace), "capacity exhaustion skips the item")

	ioErr := fmt.Errorf("%w: rename: disk detached", derivative.ErrIOFailed)
	assert.Equal(t, "failed", failureOutcome(ioErr), "exhausted transient i/o is a failure")

	decode := fmt.Errorf("%w: bad jpeg", imaging.ErrDecodeFailed)
	assert.Equal(t, "skipped", failureOutcome(decode), "unreadable sources are skipped")
}

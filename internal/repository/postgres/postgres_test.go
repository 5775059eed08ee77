package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	vector []byte
	err    error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	*dest[0].(*int64) = 7
	*dest[1].(*int64) = 1001
	*dest[2].(*string) = "alice"
	*dest[3].(*bool) = true
	*dest[4].(*[]byte) = f.vector
	*dest[6].(*time.Time) = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return nil
}

func TestScanUser(t *testing.T) {
	u, err := scanUser(fakeRow{vector: []byte(`[0.6, 0.8]`)})
	require.NoError(t, err)

	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, int64(1001), u.TelegramID)
	assert.Equal(t, "alice", u.Username)
	assert.True(t, u.IsTrained)
	assert.Equal(t, []float32{0.6, 0.8}, u.PreferenceVector)
}

func TestScanUserWithoutVector(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("null")} {
		u, err := scanUser(fakeRow{vector: raw})
		require.NoError(t, err)
		assert.Nil(t, u.PreferenceVector)
	}
}

func TestScanUserErrors(t *testing.T) {
	_, err := scanUser(fakeRow{vector: []byte(`{"bad":`)})
	assert.Error(t, err)

	boom := errors.New("boom")
	_, err = scanUser(fakeRow{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestLimitArg(t *testing.T) {
	assert.Nil(t, limitArg(0))
	assert.Nil(t, limitArg(-3))
	assert.Equal(t, 25, limitArg(25))
}

package command

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "tabasco/internal/errors"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"stop", Stop{}},
		{"monitor", Monitor{Path: "/proj", Frequency: 2 * time.Second}},
		{"unmonitor", Unmonitor{Path: "/proj"}},
		{"log", Log{Directory: "/proj", Limit: 5, Patch: true}},
		{"apply", Apply{CommitID: "abcdef12"}},
		{"rm", Rm{CommitID: "abcdef12"}},
		{"status", Status{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Encode(tt.cmd, "req-1")
			require.NoError(t, err)
			assert.Equal(t, tt.cmd.Name(), req.Type)
			assert.Equal(t, "req-1", req.RequestID)

			// Through JSON, as on the socket.
			raw, err := json.Marshal(req)
			require.NoError(t, err)
			var got Request
			require.NoError(t, json.Unmarshal(raw, &got))

			cmd, err := Decode(&got)
			require.NoError(t, err)
			assert.Equal(t, tt.cmd, cmd)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode(&Request{Type: NameStart})
	assert.Error(t, err)

	_, err = Decode(&Request{Type: "gate"})
	assert.Error(t, err)

	_, err = Decode(&Request{Type: NameApply, Body: json.RawMessage(`{"commit_id":`)})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Monitor{Path: "/proj"}.Validate())
	assert.ErrorIs(t, Monitor{}.Validate(), terrors.ErrInvalidPath)
	assert.Error(t, Monitor{Path: "/proj", Frequency: time.Millisecond}.Validate())
	assert.ErrorIs(t, Unmonitor{}.Validate(), terrors.ErrInvalidPath)

	assert.NoError(t, Apply{CommitID: "ABCDEF12"}.Validate())
	assert.ErrorIs(t, Apply{CommitID: "xyz"}.Validate(), terrors.ErrCommitNotFound)
	assert.ErrorIs(t, Rm{CommitID: ""}.Validate(), terrors.ErrCommitNotFound)

	assert.Error(t, Log{Limit: -1}.Validate())
	assert.NoError(t, Start{}.Validate())
	assert.Error(t, Start{Frequency: time.Nanosecond}.Validate())
}

func TestResponse(t *testing.T) {
	resp, err := OK(map[string]int{"pid": 42})
	require.NoError(t, err)
	var out map[string]int
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, 42, out["pid"])

	resp = Fail(terrors.RootRemovalAmbiguous("abc", errors.New("child is corrupt")))
	err = resp.Decode(&out)
	assert.ErrorIs(t, err, terrors.ErrRootRemovalAmbiguous)
	assert.Equal(t, 8, terrors.ExitCode(err))
	assert.Contains(t, err.Error(), "child is corrupt")

	resp = Fail(errors.New("boom"))
	assert.Equal(t, 1, terrors.ExitCode(resp.Err()))

	empty, err := OK(nil)
	require.NoError(t, err)
	assert.NoError(t, empty.Decode(&out))
}

package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"encode", "decode", "validate", "next", "generate"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "--format", "yaml", "decode", "25071F111B0001")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestEncode(t *testing.T) {
	out, err := run(t, "encode", "--key", "1F111B", "--period", "2507", "--value", "1")
	require.NoError(t, err)
	assert.Equal(t, "25071F111B0001\n", out)

	out, err = run(t, "encode", "--key", "1F111B-K", "--period", "2507", "--value", "27", "--type", "ALPHA_SUFFIX")
	require.NoError(t, err)
	assert.Equal(t, "25071F111B-K026A\n", out)
}

func TestEncode_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad period", []string{"--key", "1F111B", "--period", "2513"}},
		{"bad key", []string{"--key", "1X111B", "--period", "2507"}},
		{"bad type", []string{"--key", "1F111B", "--type", "HEX"}},
		{"value too large", []string{"--key", "1F111B", "--value", "10000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, append([]string{"encode"}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "VALIDATION_ERROR")
		})
	}
}

func TestDecode(t *testing.T) {
	out, err := run(t, "decode", "25071F111B-K0003")
	require.NoError(t, err)
	assert.Contains(t, out, "25071F111B-K0003 (bulk)")
	assert.Contains(t, out, "Period:            2507")
	assert.Contains(t, out, "Package type:      K")
	assert.Contains(t, out, "Sequence:          3 (NUMERIC)")

	out, err = run(t, "--format", "json", "decode", "25071F111B000B")
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(1001), data["sequence_value"])
	assert.Equal(t, "ALPHA_SUFFIX", data["sequence_type"])
}

func TestDecode_Malformed(t *testing.T) {
	out, err := run(t, "--format", "json", "decode", "2507")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "MALFORMED_CODE", resp.Error.Code)
}

func TestValidate(t *testing.T) {
	out, err := run(t, "validate", "25071F111B0001", "25131X111B0001")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✓ 25071F111B0001")
	assert.Contains(t, out, "✗ 25131X111B0001")
	assert.Contains(t, out, "month 13 out of range 01..12")
	assert.Contains(t, out, `unknown medicine type "X"`)

	_, err = run(t, "validate", "25071F111B0001")
	assert.NoError(t, err)
}

func TestNext(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"numeric", []string{"0009"}, "0010\n"},
		{"suffix rollover", []string{"999A", "--count", "2"}, "000B\n001B\n"},
		{"prefix rollover", []string{"A999"}, "B001\n"},
		{"full code", []string{"25071F111B0041"}, "0042\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, append([]string{"next"}, tt.args...)...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestNext_Exhausted(t *testing.T) {
	out, err := run(t, "next", "9999")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "SEQUENCE_EXHAUSTED")
}

func TestGenerate(t *testing.T) {
	out, err := run(t, "generate", "--key", "1F111B", "--batch", "B-1", "--period", "2507", "--count", "3")
	require.NoError(t, err)
	assert.Equal(t, "25071F111B0001\n25071F111B0002\n25071F111B0003\n3 of 3 generated for 1F111B\n", out)

	out, err = run(t, "generate", "--key", "1F111B", "--batch", "B-1", "--period", "2507",
		"--total", "60", "--package-size", "20", "--package-type", "K")
	require.NoError(t, err)
	assert.Contains(t, out, "25071F111B-K0001\t20 units\n")
	assert.Contains(t, out, "25071F111B-K0003\t20 units\n")
}

func TestGenerate_UnevenBulk(t *testing.T) {
	out, err := run(t, "--format", "json", "generate", "--key", "1F111B", "--batch", "B-1",
		"--total", "100", "--package-size", "30", "--package-type", "K")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "INVALID_BULK_QUANTITY", resp.Error.Code)
}

package walcodec_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kvwal/pkg/walcodec"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	entry := walcodec.LogEntry{
		ID:        7,
		Operation: walcodec.OpSet,
		Key:       "key6",
		Value:     json.RawMessage(`"myvalue"`),
		Version:   1,
		ClientID:  "c1",
		RequestID: "r1",
	}

	encoded, err := walcodec.Encode(entry)
	require.NoError(t, err)

	decoded, err := walcodec.Decode(encoded)
	require.NoError(t, err)

	entry.CRC = walcodec.Checksum(entry)
	require.Equal(t, entry, decoded)
}

func TestEncode_RecomputesStaleCRC(t *testing.T) {
	t.Parallel()

	entry := walcodec.LogEntry{ID: 1, Operation: walcodec.OpSet, Key: "k", CRC: 0xdeadbeef}

	encoded, err := walcodec.Encode(entry)
	require.NoError(t, err)

	decoded, err := walcodec.Decode(encoded)
	require.NoError(t, err)
	require.NotEqual(t, uint32(0xdeadbeef), decoded.CRC)
}

func TestChecksum_DeterministicForEqualEntries(t *testing.T) {
	t.Parallel()

	a := walcodec.LogEntry{ID: 1, Operation: walcodec.OpSet, Key: "k", Value: json.RawMessage(`1`)}
	b := a

	require.Equal(t, walcodec.Checksum(a), walcodec.Checksum(b))
}

func TestChecksum_DiffersOnAnyFieldChange(t *testing.T) {
	t.Parallel()

	base := walcodec.LogEntry{ID: 1, Operation: walcodec.OpSet, Key: "k", Value: json.RawMessage(`1`), Version: 1}
	baseSum := walcodec.Checksum(base)

	variants := []walcodec.LogEntry{
		{ID: 2, Operation: base.Operation, Key: base.Key, Value: base.Value, Version: base.Version},
		{ID: 1, Operation: walcodec.OpDelete, Key: base.Key, Value: base.Value, Version: base.Version},
		{ID: 1, Operation: base.Operation, Key: "other", Value: base.Value, Version: base.Version},
		{ID: 1, Operation: base.Operation, Key: base.Key, Value: json.RawMessage(`2`), Version: base.Version},
		{ID: 1, Operation: base.Operation, Key: base.Key, Value: base.Value, Version: 2},
	}

	for i, v := range variants {
		require.NotEqualf(t, baseSum, walcodec.Checksum(v), "variant %d", i)
	}
}

func TestDecode_MalformedLine(t *testing.T) {
	t.Parallel()

	_, err := walcodec.Decode([]byte("not json"))
	require.Error(t, err)
	require.True(t, errors.Is(err, walcodec.ErrCorruptRecord))
	require.False(t, errors.Is(err, walcodec.ErrCRCMismatch))
}

func TestDecode_CRCMismatch(t *testing.T) {
	t.Parallel()

	entry := walcodec.LogEntry{ID: 1, Operation: walcodec.OpSet, Key: "k"}

	encoded, err := walcodec.Encode(entry)
	require.NoError(t, err)

	// Flip a byte inside the crc field's numeric value to produce a wrong checksum
	// while keeping the JSON syntactically valid.
	var wire map[string]any

	require.NoError(t, json.Unmarshal(encoded, &wire))

	wire["crc"] = float64(wire["crc"].(float64)) + 1

	corrupted, err := json.Marshal(wire)
	require.NoError(t, err)

	_, err = walcodec.Decode(corrupted)
	require.Error(t, err)
	require.True(t, errors.Is(err, walcodec.ErrCorruptRecord))
	require.True(t, errors.Is(err, walcodec.ErrCRCMismatch))
}

func TestDecode_MissingRequiredFields(t *testing.T) {
	t.Parallel()

	cases := map[string]walcodec.LogEntry{
		"zero id":         {ID: 0, Operation: walcodec.OpSet, Key: "k"},
		"empty key":       {ID: 1, Operation: walcodec.OpSet, Key: ""},
		"unknown op":      {ID: 1, Operation: "FROB", Key: "k"},
	}

	for name, entry := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			encoded, err := walcodec.Encode(entry)
			require.NoError(t, err)

			_, err = walcodec.Decode(encoded)
			require.Error(t, err)
			require.True(t, errors.Is(err, walcodec.ErrCorruptRecord))
		})
	}
}

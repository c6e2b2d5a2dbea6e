// pkg/onion/cell_test.go
package onion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCellCodecRoundTrip(t *testing.T) {
	id, err := NewCircuitID()
	require.NoError(t, err)
	require.Len(t, id, circuitIDBytes*2)

	cell := &Cell{CircuitID: id, Command: CmdData, Payload: []byte("wrapped blob")}
	data, err := cell.Encode()
	require.NoError(t, err)

	decoded, err := DecodeCell(data)
	require.NoError(t, err)
	require.Equal(t, cell, decoded)
}

func TestCellCodecEmptyPayload(t *testing.T) {
	cell := &Cell{CircuitID: mustCircuitID(t), Command: CmdDestroy}
	data, err := cell.Encode()
	require.NoError(t, err)

	decoded, err := DecodeCell(data)
	require.NoError(t, err)
	require.Equal(t, cell.CircuitID, decoded.CircuitID)
	require.Equal(t, CmdDestroy, decoded.Command)
	require.Empty(t, decoded.Payload)
}

func TestCellEncodeRejectsBadID(t *testing.T) {
	_, err := (&Cell{CircuitID: "nothex", Command: CmdData}).Encode()
	require.Error(t, err)

	_, err = (&Cell{CircuitID: "abcd", Command: CmdData}).Encode()
	require.Error(t, err)
}

func TestDecodeCellTruncated(t *testing.T) {
	cell := &Cell{CircuitID: mustCircuitID(t), Command: CmdData, Payload: []byte("payload")}
	data, err := cell.Encode()
	require.NoError(t, err)

	for _, cut := range []int{0, circuitIDBytes - 1, circuitIDBytes + 1, len(data) - 1} {
		_, err := DecodeCell(data[:cut])
		require.Error(t, err, "cut at %d", cut)
	}
}

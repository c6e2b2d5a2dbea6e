// pkg/onion/cell.go
package onion

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

type Command uint8

const (
	// CmdCreate opens a circuit leg: payload is the initiator's X25519
	// ephemeral, CmdCreated answers with the relay's.
	CmdCreate Command = iota + 1
	CmdCreated
	// CmdExtend asks the current end of the circuit to dial one more hop.
	// The extend request rides inside the established onion layers.
	CmdExtend
	CmdExtended
	// CmdData carries one layered application payload.
	CmdData
	// CmdDestroy tears the circuit down hop by hop.
	CmdDestroy
)

// circuitIDBytes is the raw length of a circuit ID; IDs travel and log as hex.
const circuitIDBytes = 16

const maxCellPayload = 1 << 20

// Cell is one unit of the circuit sub-protocol. It travels as the content of
// an OnionCell transport message.
type Cell struct {
	CircuitID string
	Command   Command
	Payload   []byte
}

// NewCircuitID returns 16 random bytes in hex.
func NewCircuitID() (string, error) {
	id := make([]byte, circuitIDBytes)
	if _, err := rand.Read(id); err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}

func (c *Cell) Encode() ([]byte, error) {
	rawID, err := hex.DecodeString(c.CircuitID)
	if err != nil || len(rawID) != circuitIDBytes {
		return nil, fmt.Errorf("onion: invalid circuit ID %q", c.CircuitID)
	}

	buf := new(bytes.Buffer)
	buf.Write(rawID)
	buf.WriteByte(byte(c.Command))
	if err := binary.Write(buf, binary.BigEndian, uint32(len(c.Payload))); err != nil {
		return nil, err
	}
	buf.Write(c.Payload)
	return buf.Bytes(), nil
}

func DecodeCell(data []byte) (*Cell, error) {
	buf := bytes.NewReader(data)

	rawID := make([]byte, circuitIDBytes)
	if _, err := io.ReadFull(buf, rawID); err != nil {
		return nil, fmt.Errorf("onion: failed to read circuit ID: %w", err)
	}

	cmd, err := buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("onion: failed to read command: %w", err)
	}

	var payloadLen uint32
	if err := binary.Read(buf, binary.BigEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("onion: failed to read payload length: %w", err)
	}
	if payloadLen > maxCellPayload || payloadLen > uint32(buf.Len()) {
		return nil, fmt.Errorf("onion: payload length %d exceeds remaining data", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(buf, payload); err != nil {
		return nil, fmt.Errorf("onion: failed to read payload: %w", err)
	}

	return &Cell{
		CircuitID: hex.EncodeToString(rawID),
		Command:   Command(cmd),
		Payload:   payload,
	}, nil
}

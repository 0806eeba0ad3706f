package webserver

// Broadcast is the destination id addressing every live connection.
const Broadcast uint32 = 0

// Message is one complete text message.
//
// Inbound, ConnectionID is the sender. Outbound, it is the destination, with
// Broadcast meaning every connection.
type Message struct {
	ConnectionID uint32
	Payload      string
}

// MessageCallback receives inbound messages in callback mode. It runs on the
// dispatcher goroutine, one message at a time.
type MessageCallback func(Message)

// Chunk is one frame-sized piece of an outbound payload.
type Chunk struct {
	Data  string
	First bool
	Final bool

	// Next is the cursor after this chunk.
	Next int
}

// NextChunk returns the chunk of payload starting at cursor, at most maxFrame
// bytes long. An empty payload yields a single chunk that is both first and
// final.
func NextChunk(payload string, cursor, maxFrame int) Chunk {
	if maxFrame <= 0 {
		maxFrame = len(payload)
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(payload) {
		cursor = len(payload)
	}

	end := cursor + maxFrame
	if end > len(payload) || end < cursor {
		end = len(payload)
	}
	return Chunk{
		Data:  payload[cursor:end],
		First: cursor == 0,
		Final: end == len(payload),
		Next:  end,
	}
}

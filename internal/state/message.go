package state

import (
	"fmt"
	"time"

	"github.com/conductor-dev/conductor/pkg/models"
)

// Message is one append-only transcript entry for an agent. Preview holds
// a small inline excerpt; BlobRef points to the full body in the blob
// store when the content overflowed the inline limit. Messages are never
// mutated after insert.
type Message struct {
	ID        string             `json:"id"`
	AgentID   string             `json:"agent_id"`
	Seq       int                `json:"seq"`
	Role      models.MessageRole `json:"role"`
	Preview   string             `json:"preview"`
	BlobRef   string             `json:"blob_ref,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// AppendMessage inserts a transcript entry with the next sequence number
// for the agent. Emission order within one agent is preserved by seq.
func (db *DB) AppendMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (id, agent_id, seq, role, preview, blob_ref, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE agent_id = ?), ?, ?, ?, ?)
	`, m.ID, m.AgentID, m.AgentID, string(m.Role), m.Preview, nullIfEmpty(m.BlobRef), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns an agent's transcript in emission order.
func (db *DB) ListMessages(agentID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, agent_id, seq, role, preview, blob_ref, created_at
		FROM messages WHERE agent_id = ? ORDER BY seq
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var ref *string
		var createdAt string
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Seq, &m.Role, &m.Preview, &ref, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if ref != nil {
			m.BlobRef = *ref
		}
		m.CreatedAt, _ = parseTime(createdAt)
		messages = append(messages, m)
	}
	return messages, nil
}

package badger

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"raven/internal/domain/models/llm"
	llmRepo "raven/internal/domain/repositories/llm"
)

// AgentHistoryStore keeps agent-private histories under agents/{agent}/context/{conversation}.
type AgentHistoryStore struct {
	db  *DB
	ttl time.Duration

	// appends read and rewrite one value; serialising them avoids retrying on
	// transaction conflicts
	appendMu sync.Mutex
}

// NewAgentHistoryStore creates an agent history store. A zero ttl keeps histories forever.
func NewAgentHistoryStore(db *DB, ttl time.Duration) *AgentHistoryStore {
	return &AgentHistoryStore{db: db, ttl: ttl}
}

var _ llmRepo.AgentHistoryStore = (*AgentHistoryStore)(nil)

func agentHistoryKey(agent, conversationID string) []byte {
	return []byte(fmt.Sprintf("agents/%s/context/%s", agent, conversationID))
}

// Load returns the agent history, empty when none was saved
func (s *AgentHistoryStore) Load(ctx context.Context, agent, conversationID string) ([]llm.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(agentHistoryKey(agent, conversationID))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if isNotFound(err) {
		return []llm.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load agent history: %w", err)
	}

	var history []llm.Message
	if err := msgpack.Unmarshal(value, &history); err != nil {
		return nil, fmt.Errorf("decode agent history: %w", err)
	}
	return history, nil
}

// Append adds messages at the end of the agent history inside one badger
// transaction.
func (s *AgentHistoryStore) Append(ctx context.Context, agent, conversationID string, messages []llm.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	key := agentHistoryKey(agent, conversationID)
	err := s.db.db.Update(func(txn *badgerdb.Txn) error {
		var history []llm.Message
		item, err := txn.Get(key)
		switch {
		case isNotFound(err):
		case err != nil:
			return err
		default:
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := msgpack.Unmarshal(value, &history); err != nil {
				return fmt.Errorf("decode agent history: %w", err)
			}
		}

		value, err := msgpack.Marshal(append(history, messages...))
		if err != nil {
			return fmt.Errorf("encode agent history: %w", err)
		}
		entry := badgerdb.NewEntry(key, value)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("append agent history: %w", err)
	}
	return nil
}

// Delete drops the histories of every agent for the conversation
func (s *AgentHistoryStore) Delete(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	suffix := []byte("/context/" + conversationID)
	_, err := s.db.deletePrefix([]byte("agents/"), func(key []byte) bool {
		return bytes.HasSuffix(key, suffix)
	})
	if err != nil {
		return fmt.Errorf("delete agent histories: %w", err)
	}
	return nil
}

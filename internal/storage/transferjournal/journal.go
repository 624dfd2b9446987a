// Package transferjournal records the progress of every deposit and withdrawal so that an
// interrupted operation can be resolved on restart.
package transferjournal

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/exledger/internal/domain"
	"github.com/vadiminshakov/exledger/internal/storage/walstore"
)

const intentKeyPrefix = "transfer_intent_"

type intentRecord struct {
	ID      string              `json:"id"`
	Kind    domain.TransferKind `json:"kind"`
	Asset   string              `json:"asset"`
	Account string              `json:"account"`
	Amount  string              `json:"amount"`
	Status  domain.IntentStatus `json:"status"`
	Error   string              `json:"error,omitempty"`
	Time    time.Time           `json:"time"`
}

type appender interface {
	Append(key string, payload []byte) (uint64, error)
	Scan(prefix string) ([]walstore.Record, error)
}

// Journal persists transfer intents. The latest record per intent wins.
type Journal struct {
	mu      sync.Mutex
	wal     appender
	intents map[string]*domain.TransferIntent
}

// Open loads existing intents from the WAL.
func Open(wal appender) (*Journal, error) {
	records, err := wal.Scan(intentKeyPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "scan transfer intents")
	}

	intents := make(map[string]*domain.TransferIntent)
	for _, rec := range records {
		var r intentRecord
		if err := json.Unmarshal(rec.Value, &r); err != nil {
			return nil, errors.Wrapf(err, "decode transfer intent %s", rec.Key)
		}
		intent, err := r.toIntent()
		if err != nil {
			return nil, err
		}
		intents[intent.ID] = intent
	}

	return &Journal{wal: wal, intents: intents}, nil
}

// Prepare records a new pending intent.
func (j *Journal) Prepare(kind domain.TransferKind, asset domain.Asset, account common.Address, amount *uint256.Int, at time.Time) (*domain.TransferIntent, error) {
	intent := &domain.TransferIntent{
		ID:      uuid.New().String(),
		Kind:    kind,
		Asset:   asset,
		Account: account,
		Amount:  amount.Clone(),
		Status:  domain.IntentPending,
		Time:    at,
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.persist(intent); err != nil {
		return nil, err
	}
	j.intents[intent.ID] = intent

	return intent, nil
}

// MarkCustodyMoved records that the external movement completed.
func (j *Journal) MarkCustodyMoved(intent *domain.TransferIntent) error {
	return j.transition(intent, domain.IntentCustodyMoved, nil)
}

// MarkCommitted records the terminal success state.
func (j *Journal) MarkCommitted(intent *domain.TransferIntent) error {
	return j.transition(intent, domain.IntentCommitted, nil)
}

// MarkReverted records the terminal failure state with its cause.
func (j *Journal) MarkReverted(intent *domain.TransferIntent, cause error) error {
	return j.transition(intent, domain.IntentReverted, cause)
}

// Get returns the intent with id.
func (j *Journal) Get(id string) (*domain.TransferIntent, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	intent, ok := j.intents[id]
	return intent, ok
}

// Unfinished returns intents that never reached a terminal state, oldest first.
func (j *Journal) Unfinished() []*domain.TransferIntent {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]*domain.TransferIntent, 0)
	for _, intent := range j.intents {
		if !intent.Status.IsTerminal() {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Time.Before(out[b].Time) })

	return out
}

func (j *Journal) transition(intent *domain.TransferIntent, status domain.IntentStatus, cause error) error {
	if intent == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if intent.Status.IsTerminal() {
		return errors.Errorf("intent %s is already %s", intent.ID, intent.Status)
	}

	prevStatus, prevErr := intent.Status, intent.Error
	intent.Status = status
	if cause != nil {
		intent.Error = cause.Error()
	} else {
		intent.Error = ""
	}

	if err := j.persist(intent); err != nil {
		intent.Status, intent.Error = prevStatus, prevErr
		return err
	}
	j.intents[intent.ID] = intent

	return nil
}

func (j *Journal) persist(intent *domain.TransferIntent) error {
	data, err := json.Marshal(fromIntent(intent))
	if err != nil {
		return errors.Wrap(err, "failed to marshal transfer intent")
	}

	key := fmt.Sprintf("%s%s", intentKeyPrefix, intent.ID)
	_, err = j.wal.Append(key, data)
	return err
}

func fromIntent(intent *domain.TransferIntent) intentRecord {
	return intentRecord{
		ID:      intent.ID,
		Kind:    intent.Kind,
		Asset:   intent.Asset.Hex(),
		Account: intent.Account.Hex(),
		Amount:  intent.Amount.Dec(),
		Status:  intent.Status,
		Error:   intent.Error,
		Time:    intent.Time,
	}
}

func (r intentRecord) toIntent() (*domain.TransferIntent, error) {
	amount, err := uint256.FromDecimal(r.Amount)
	if err != nil {
		return nil, errors.Wrapf(err, "decode amount of intent %s", r.ID)
	}
	if !common.IsHexAddress(r.Asset) || !common.IsHexAddress(r.Account) {
		return nil, errors.Errorf("malformed address in intent %s", r.ID)
	}

	return &domain.TransferIntent{
		ID:      r.ID,
		Kind:    r.Kind,
		Asset:   domain.Token(common.HexToAddress(r.Asset)),
		Account: common.HexToAddress(r.Account),
		Amount:  amount,
		Status:  r.Status,
		Error:   r.Error,
		Time:    r.Time,
	}, nil
}

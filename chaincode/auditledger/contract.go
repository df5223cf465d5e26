package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

const (
	recordObjectType = "audit"
	recordEvent      = "AuditRecordAppended"
)

var errRecordNotFound = errors.New("record does not exist")

// AuditLedgerContract stores audit payloads append-only, keyed by topic and payload digest
type AuditLedgerContract struct {
	contractapi.Contract
}

// StoredRecord is the world-state value of an appended payload
type StoredRecord struct {
	Topic      string `json:"topic"`
	Digest     string `json:"digest"`
	TxID       string `json:"txId"`
	Payload    string `json:"payload"`
	AppendedAt string `json:"appendedAt"`
}

// AppendResult is returned by AppendRecord. Replay is set when the payload was
// already on the ledger; TxID is then the transaction that first stored it.
type AppendResult struct {
	TxID   string `json:"txId"`
	Digest string `json:"digest"`
	Replay bool   `json:"replay"`
}

// recordState is the subset of the chaincode stub the contract touches
type recordState interface {
	GetState(key string) ([]byte, error)
	PutState(key string, value []byte) error
	CreateCompositeKey(objectType string, attributes []string) (string, error)
	GetTxID() string
	SetEvent(name string, payload []byte) error
}

// AppendRecord stores payload under (topic, digest) unless it is already present
func (c *AuditLedgerContract) AppendRecord(ctx contractapi.TransactionContextInterface, topic string, payload string) (*AppendResult, error) {
	stub := ctx.GetStub()
	ts, err := stub.GetTxTimestamp()
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction timestamp: %v", err)
	}
	return appendRecord(stub, topic, payload, ts.AsTime())
}

// GetRecord returns the record stored under (topic, digest)
func (c *AuditLedgerContract) GetRecord(ctx contractapi.TransactionContextInterface, topic string, digest string) (*StoredRecord, error) {
	return getRecord(ctx.GetStub(), topic, digest)
}

// VerifyPayload reports whether payload is stored under topic unchanged
func (c *AuditLedgerContract) VerifyPayload(ctx contractapi.TransactionContextInterface, topic string, payload string) (bool, error) {
	return verifyPayload(ctx.GetStub(), topic, payload)
}

func verifyPayload(state recordState, topic, payload string) (bool, error) {
	rec, err := getRecord(state, topic, payloadDigest(payload))
	if errors.Is(err, errRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Payload == payload, nil
}

func appendRecord(state recordState, topic, payload string, at time.Time) (*AppendResult, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if payload == "" {
		return nil, fmt.Errorf("payload is required")
	}
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("payload must be valid JSON")
	}

	digest := payloadDigest(payload)
	key, err := state.CreateCompositeKey(recordObjectType, []string{topic, digest})
	if err != nil {
		return nil, fmt.Errorf("failed to create record key: %v", err)
	}

	existing, err := state.GetState(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %v", digest, err)
	}
	if existing != nil {
		var rec StoredRecord
		if err := json.Unmarshal(existing, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stored record %s: %v", digest, err)
		}
		return &AppendResult{TxID: rec.TxID, Digest: digest, Replay: true}, nil
	}

	rec := StoredRecord{
		Topic:      topic,
		Digest:     digest,
		TxID:       state.GetTxID(),
		Payload:    payload,
		AppendedAt: at.UTC().Format(time.RFC3339Nano),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %v", err)
	}
	if err := state.PutState(key, value); err != nil {
		return nil, fmt.Errorf("failed to store record %s: %v", digest, err)
	}

	event, _ := json.Marshal(AppendResult{TxID: rec.TxID, Digest: digest})
	if err := state.SetEvent(recordEvent, event); err != nil {
		return nil, fmt.Errorf("failed to emit event: %v", err)
	}
	return &AppendResult{TxID: rec.TxID, Digest: digest}, nil
}

func getRecord(state recordState, topic, digest string) (*StoredRecord, error) {
	key, err := state.CreateCompositeKey(recordObjectType, []string{topic, digest})
	if err != nil {
		return nil, fmt.Errorf("failed to create record key: %v", err)
	}
	value, err := state.GetState(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", digest, err)
	}
	if value == nil {
		return nil, fmt.Errorf("%w: %s on topic %s", errRecordNotFound, digest, topic)
	}
	var rec StoredRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %v", digest, err)
	}
	return &rec, nil
}

// payloadDigest matches the off-chain deduplication key: hex SHA-256 of the payload
func payloadDigest(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

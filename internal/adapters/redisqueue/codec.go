package redisqueue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/target/mmk-jobs/internal/domain/model"
)

func encodeEnvelope(env model.ItemEnvelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func encodePolicy(p model.DispatchPolicy) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal policy: %w", err)
	}
	return string(b), nil
}

// fieldsFromReply converts a flat HGETALL reply returned by a script.
func fieldsFromReply(reply []any) map[string]string {
	fields := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		fields[k] = v
	}
	return fields
}

// decodeItem builds an item from its hash fields. An empty map means the
// item does not exist and yields nil.
func decodeItem(fields map[string]string) (*model.EngineItem, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	item := &model.EngineItem{
		ID:           fields["id"],
		Queue:        fields["queue"],
		State:        model.EngineState(fields["state"]),
		FailedReason: fields["failed_reason"],
		ClaimToken:   fields["claim_token"],
	}
	if err := json.Unmarshal([]byte(fields["envelope"]), &item.Envelope); err != nil {
		return nil, fmt.Errorf("decode envelope of %s: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(fields["policy"]), &item.Policy); err != nil {
		return nil, fmt.Errorf("decode policy of %s: %w", item.ID, err)
	}
	if r := fields["result"]; r != "" {
		item.Result = json.RawMessage(r)
	}
	if v := fields["attempts_made"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("decode attempts of %s: %w", item.ID, err)
		}
		item.AttemptsMade = n
	}

	var err error
	var enqueued *time.Time
	if enqueued, err = msField(fields, "enqueued_at"); err != nil {
		return nil, err
	}
	if enqueued != nil {
		item.EnqueuedAt = *enqueued
	}
	for name, dst := range map[string]**time.Time{
		"processed_at":     &item.ProcessedAt,
		"finished_at":      &item.FinishedAt,
		"claim_expires_at": &item.ClaimExpiresAt,
		"run_at":           &item.RunAt,
	} {
		if *dst, err = msField(fields, name); err != nil {
			return nil, err
		}
	}
	return item, nil
}

func msField(fields map[string]string, name string) (*time.Time, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

package confirmation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedConfirmation = errors.New("malformed delivery confirmation")

// AggregateIDFromKey reads the aggregate id from a CDC record key. The outbox event
// router keys records with the row's aggregate_id; with schemas enabled the key is
// {"schema":{...},"payload":"42"}. A numeric payload is accepted as its decimal text.
func AggregateIDFromKey(key []byte) (string, error) {
	if len(bytes.TrimSpace(key)) == 0 {
		return "", fmt.Errorf("%w: empty key", ErrMalformedConfirmation)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(key, &envelope); err != nil {
		return "", fmt.Errorf("%w: key is not a json object: %v", ErrMalformedConfirmation, err)
	}
	if envelope == nil {
		return "", fmt.Errorf("%w: key is null", ErrMalformedConfirmation)
	}

	raw, ok := envelope["payload"]
	if !ok {
		return "", fmt.Errorf("%w: key has no payload", ErrMalformedConfirmation)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: payload: %v", ErrMalformedConfirmation, err)
	}

	var id string
	switch p := v.(type) {
	case string:
		id = p
	case json.Number:
		id = p.String()
	case nil:
		return "", fmt.Errorf("%w: payload is null", ErrMalformedConfirmation)
	default:
		return "", fmt.Errorf("%w: payload has unsupported type %T", ErrMalformedConfirmation, v)
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: payload is blank", ErrMalformedConfirmation)
	}
	return id, nil
}

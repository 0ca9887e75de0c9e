package webhooks

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Sign sets Standard Webhooks headers on an outbound request. The message
// id should stay stable across retries of the same delivery.
func Sign(h http.Header, secret, msgID string, ts time.Time, body []byte) error {
	key, err := decodeSecret(secret)
	if err != nil {
		return fmt.Errorf("decoding signing secret: %w", err)
	}

	unix := ts.Unix()
	h.Set(HeaderID, msgID)
	h.Set(HeaderTimestamp, strconv.FormatInt(unix, 10))
	h.Set(HeaderSignature, "v1,"+standardSignature(key, msgID, unix, body))
	return nil
}

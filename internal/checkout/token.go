package checkout

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var tokenNamespace = uuid.MustParse("3b0f5c52-7f0e-4c1d-9a7e-5d2b8c6a1e44")

// SubmissionToken derives the payment token of a submission. With an
// idempotency key the token is a name-based UUID of the whole submission, so
// retries of the same form map to the same token while a changed amount does
// not. Without a key every call gets a fresh token.
func SubmissionToken(userID, idempotencyKey, serviceID string, quantity int, total int64) string {
	if idempotencyKey == "" {
		return "ord_" + ulid.Make().String()
	}
	name := strings.Join([]string{
		userID,
		idempotencyKey,
		serviceID,
		strconv.Itoa(quantity),
		strconv.FormatInt(total, 10),
	}, "\x1f")
	return uuid.NewSHA1(tokenNamespace, []byte(name)).String()
}

package core

import (
	"github.com/google/uuid"

	"pkt.systems/piclient/schema"
)

func newToken() schema.Token {
	return schema.Token(uuid.NewString())
}

package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestDeathCountNoHeaderDefaultsToFirstTime(t *testing.T) {
	assert.Equal(t, 1, deathCount(nil))
	assert.Equal(t, 1, deathCount(amqp.Table{}))
}

func TestDeathCountReadsMostRecentEntry(t *testing.T) {
	headers := amqp.Table{
		"x-death": []any{
			amqp.Table{"count": int64(3), "reason": "rejected"},
		},
	}
	assert.Equal(t, 3, deathCount(headers))
}

func TestDeathCountToleratesMalformedHeader(t *testing.T) {
	assert.Equal(t, 1, deathCount(amqp.Table{"x-death": "not-an-array"}))
	assert.Equal(t, 1, deathCount(amqp.Table{"x-death": []any{"not-a-table"}}))
}

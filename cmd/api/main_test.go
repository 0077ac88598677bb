package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePairs(t *testing.T) {
	pairs := parsePairs(" Prod=tableside-prod , staging = tableside-stg,broken,=x,y=", true)
	assert.Equal(t, map[string]string{"prod": "tableside-prod", "staging": "tableside-stg"}, pairs)

	pins := parsePairs("secret://stripe-webhook=7", false)
	assert.Equal(t, map[string]string{"secret://stripe-webhook": "7"}, pins)

	assert.Empty(t, parsePairs("", false))
}

func TestRequiredSecretNames(t *testing.T) {
	assert.Empty(t, requiredSecretNames(nil))
	assert.Equal(t, []string{"PSP.StripeWebhookSecret"},
		requiredSecretNames(map[string]string{"API_PSP_STRIPE_WEBHOOK_SECRET": "secret://stripe-webhook"}))
}

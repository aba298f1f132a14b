package sqlassets

import _ "embed"

//go:embed schema/platform/agents.sql
var AgentsSQL string

//go:embed schema/platform/messages.sql
var MessagesSQL string

//go:embed schema/platform/subscriptions.sql
var SubscriptionsSQL string

//go:embed schema/platform/affiliates.sql
var AffiliatesSQL string

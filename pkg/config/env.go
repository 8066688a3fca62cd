package config

// EnvPrefix is handed to envconfig; every field carries its full name so the
// prefix only matters for fields without an explicit tag.
const EnvPrefix = "GIFTPIPE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv       = "GIFTPIPE_APP_ENV"
	EnvPort         = "GIFTPIPE_APP_PORT"
	EnvDBDSN        = "GIFTPIPE_DB_DSN"
	EnvDBHost       = "GIFTPIPE_DB_HOST"
	EnvDBUser       = "GIFTPIPE_DB_USER"
	EnvDBName       = "GIFTPIPE_DB_NAME"
	EnvDBPassword   = "GIFTPIPE_DB_PASSWORD"
	EnvRedisURL     = "GIFTPIPE_REDIS_URL"
	EnvJWTSecret    = "GIFTPIPE_JWT_SECRET"
	EnvJWTIssuer    = "GIFTPIPE_JWT_ISSUER"
	EnvJWTExpMins   = "GIFTPIPE_JWT_EXPIRATION_MINUTES"
	EnvGCPProjectID = "GIFTPIPE_GCP_PROJECT_ID"

	EnvPubSubFulfillmentSub = "GIFTPIPE_PUBSUB_FULFILLMENT_SUBSCRIPTION"

	EnvFundingLow        = "GIFTPIPE_FUNDING_LOW_THRESHOLD_CENTS"
	EnvFundingCritical   = "GIFTPIPE_FUNDING_CRITICAL_THRESHOLD_CENTS"
	EnvFundingMultiplier = "GIFTPIPE_FUNDING_TOPUP_MULTIPLIER"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

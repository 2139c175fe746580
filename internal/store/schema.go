package store

// schema holds the full DDL. Every statement is idempotent; Migrate runs it
// on startup and on the migrate subcommand.
const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id         UUID PRIMARY KEY,
	slug       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id         UUID PRIMARY KEY,
	org_id     UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	key_hash   TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	scopes     TEXT[] NOT NULL DEFAULT '{}',
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_api_keys_org ON api_keys(org_id);

CREATE TABLE IF NOT EXISTS billing_connections (
	id             UUID PRIMARY KEY,
	org_id         UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	source         TEXT NOT NULL,
	credentials    TEXT NOT NULL DEFAULT '',
	webhook_secret TEXT NOT NULL DEFAULT '',
	webhook_proxy_url TEXT NOT NULL DEFAULT '',
	is_active      BOOLEAN NOT NULL DEFAULT true,
	last_sync_at   TIMESTAMPTZ,
	last_webhook_at TIMESTAMPTZ,
	sync_status    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (org_id, source)
);

CREATE TABLE IF NOT EXISTS users (
	id               UUID PRIMARY KEY,
	org_id           UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	email            TEXT,
	external_user_id TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_org_external
	ON users(org_id, external_user_id) WHERE external_user_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_users_org ON users(org_id);

CREATE TABLE IF NOT EXISTS user_identities (
	id          UUID PRIMARY KEY,
	org_id      UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	user_id     UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	source      TEXT NOT NULL,
	id_type     TEXT NOT NULL,
	external_id TEXT NOT NULL,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (org_id, source, id_type, external_id)
);
CREATE INDEX IF NOT EXISTS idx_identities_user ON user_identities(user_id);
CREATE INDEX IF NOT EXISTS idx_identities_lookup ON user_identities(org_id, external_id);

CREATE TABLE IF NOT EXISTS products (
	id           UUID PRIMARY KEY,
	org_id       UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	name         TEXT NOT NULL DEFAULT '',
	external_ids JSONB,
	is_active    BOOLEAN NOT NULL DEFAULT true,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_products_org ON products(org_id);

CREATE TABLE IF NOT EXISTS entitlements (
	id                   UUID PRIMARY KEY,
	org_id               UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	user_id              UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	product_id           UUID,
	source               TEXT NOT NULL,
	state                TEXT NOT NULL DEFAULT 'inactive',
	current_period_start TIMESTAMPTZ,
	current_period_end   TIMESTAMPTZ,
	cancel_at            TIMESTAMPTZ,
	trial_end            TIMESTAMPTZ,
	amount_cents         BIGINT NOT NULL DEFAULT 0,
	state_history        JSONB NOT NULL DEFAULT '[]',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	-- NULLS NOT DISTINCT so two workers racing on a product-less event
	-- cannot both insert; the loser's ON CONFLICT no-ops and the re-read
	-- under lock picks up the winner's row.
	UNIQUE NULLS NOT DISTINCT (org_id, user_id, product_id, source)
);
CREATE INDEX IF NOT EXISTS idx_entitlements_user ON entitlements(org_id, user_id);
CREATE INDEX IF NOT EXISTS idx_entitlements_state ON entitlements(org_id, state);

CREATE TABLE IF NOT EXISTS canonical_events (
	id                       UUID PRIMARY KEY,
	org_id                   UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	source                   TEXT NOT NULL,
	source_event_type        TEXT NOT NULL DEFAULT '',
	event_type               TEXT NOT NULL,
	event_time               TIMESTAMPTZ NOT NULL,
	status                   TEXT NOT NULL DEFAULT 'success',
	user_id                  UUID REFERENCES users(id) ON DELETE SET NULL,
	product_id               UUID,
	external_subscription_id TEXT,
	external_event_id        TEXT,
	idempotency_key          TEXT NOT NULL,
	amount_cents             BIGINT NOT NULL DEFAULT 0,
	currency                 TEXT NOT NULL DEFAULT '',
	period_type              TEXT NOT NULL DEFAULT '',
	expiration_time          TIMESTAMPTZ,
	cancellation_reason      TEXT NOT NULL DEFAULT '',
	environment              TEXT NOT NULL DEFAULT '',
	raw_payload              JSONB,
	ingested_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (org_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_events_org_time ON canonical_events(org_id, event_time DESC);
CREATE INDEX IF NOT EXISTS idx_events_user ON canonical_events(org_id, user_id);
CREATE INDEX IF NOT EXISTS idx_events_sub ON canonical_events(org_id, external_subscription_id);

CREATE TABLE IF NOT EXISTS issues (
	id                      UUID PRIMARY KEY,
	org_id                  UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	user_id                 UUID REFERENCES users(id) ON DELETE SET NULL,
	issue_type              TEXT NOT NULL,
	severity                TEXT NOT NULL,
	status                  TEXT NOT NULL DEFAULT 'open',
	title                   TEXT NOT NULL DEFAULT '',
	description             TEXT NOT NULL DEFAULT '',
	estimated_revenue_cents BIGINT NOT NULL DEFAULT 0,
	confidence              DOUBLE PRECISION NOT NULL DEFAULT 0,
	detector_id             TEXT NOT NULL DEFAULT '',
	detection_tier          TEXT NOT NULL DEFAULT 'billing_only',
	evidence                JSONB,
	scope_key               TEXT NOT NULL DEFAULT '',
	resolution              TEXT NOT NULL DEFAULT '',
	resolved_at             TIMESTAMPTZ,
	ai_analysis             JSONB,
	ai_analysis_at          TIMESTAMPTZ,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_open_user
	ON issues(org_id, user_id, issue_type) WHERE status = 'open' AND user_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_open_scope
	ON issues(org_id, issue_type, scope_key) WHERE status = 'open' AND user_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_issues_org_status ON issues(org_id, status, created_at DESC);

CREATE TABLE IF NOT EXISTS webhook_logs (
	id                UUID PRIMARY KEY,
	org_id            UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	source            TEXT NOT NULL,
	processing_status TEXT NOT NULL DEFAULT 'received',
	event_type        TEXT NOT NULL DEFAULT '',
	external_event_id TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	headers           JSONB,
	body              JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_webhook_logs_org ON webhook_logs(org_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_webhook_logs_source ON webhook_logs(org_id, source, created_at DESC);

CREATE TABLE IF NOT EXISTS access_checks (
	id               UUID PRIMARY KEY,
	org_id           UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	user_id          UUID REFERENCES users(id) ON DELETE CASCADE,
	product_id       UUID,
	external_user_id TEXT NOT NULL,
	has_access       BOOLEAN NOT NULL,
	reported_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_access_checks_user ON access_checks(org_id, user_id, reported_at DESC);

CREATE TABLE IF NOT EXISTS alert_configs (
	id            UUID PRIMARY KEY,
	org_id        UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	channel       TEXT NOT NULL,
	url           TEXT NOT NULL DEFAULT '',
	routing_key   TEXT NOT NULL DEFAULT '',
	secret        TEXT NOT NULL DEFAULT '',
	slack_channel TEXT NOT NULL DEFAULT '',
	event_filter  TEXT[] NOT NULL DEFAULT '{}',
	is_active     BOOLEAN NOT NULL DEFAULT true,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_alert_configs_org ON alert_configs(org_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id         UUID PRIMARY KEY,
	org_id     UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	actor      TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	details    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audit_log_org ON audit_log(org_id, created_at DESC);
`

package database

// schemaStatements is applied in order by Migrate. Every statement is
// idempotent so restarts are safe.
var schemaStatements = []string{
	// ===== ENUMS =====
	`DO $$ BEGIN
		CREATE TYPE user_role AS ENUM ('ADMIN', 'ANALYST', 'VIEWER');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,

	`DO $$ BEGIN
		CREATE TYPE loan_status AS ENUM (
			'PENDING', 'VALIDATING', 'IN_REVIEW', 'APPROVED',
			'REJECTED', 'CANCELLED', 'DISBURSED', 'COMPLETED');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,

	`DO $$ BEGIN
		CREATE TYPE job_status AS ENUM (
			'PENDING', 'RUNNING', 'COMPLETED', 'FAILED', 'CANCELLED');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,

	// ===== TABLES =====
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		email VARCHAR(255) NOT NULL UNIQUE,
		hashed_password VARCHAR(255) NOT NULL,
		full_name VARCHAR(255) NOT NULL,
		role user_role NOT NULL DEFAULT 'VIEWER',
		is_active BOOLEAN NOT NULL DEFAULT true,
		is_verified BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_login TIMESTAMPTZ
	)`,

	// document_number and full_name hold ciphertext; document_hash is the
	// SHA-256 lookup key.
	`CREATE TABLE IF NOT EXISTS loan_applications (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		country_code VARCHAR(2) NOT NULL,
		document_type VARCHAR(20) NOT NULL,
		document_number VARCHAR(255) NOT NULL,
		document_hash VARCHAR(64) NOT NULL,
		full_name VARCHAR(255) NOT NULL,
		amount_requested NUMERIC(15,2) NOT NULL,
		monthly_income NUMERIC(15,2) NOT NULL,
		currency VARCHAR(3) NOT NULL DEFAULT 'EUR',
		status loan_status NOT NULL DEFAULT 'PENDING',
		risk_score INTEGER,
		requires_review BOOLEAN NOT NULL DEFAULT false,
		banking_info JSONB,
		extra_data JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ,
		CONSTRAINT valid_country CHECK (country_code IN ('ES', 'MX', 'CO', 'BR')),
		CONSTRAINT positive_amounts CHECK (amount_requested > 0 AND monthly_income >= 0)
	)`,

	`CREATE TABLE IF NOT EXISTS loan_status_history (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		loan_id UUID NOT NULL REFERENCES loan_applications(id) ON DELETE CASCADE,
		previous_status VARCHAR(30),
		new_status VARCHAR(30) NOT NULL,
		changed_by UUID,
		reason TEXT,
		extra_data JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		entity_type VARCHAR(50) NOT NULL,
		entity_id UUID NOT NULL,
		action VARCHAR(30) NOT NULL,
		actor_id UUID,
		actor_type VARCHAR(20),
		changes JSONB,
		ip_address INET,
		user_agent TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS async_jobs (
		id BIGSERIAL PRIMARY KEY,
		queue_name VARCHAR(50) NOT NULL,
		payload JSONB NOT NULL,
		status job_status NOT NULL DEFAULT 'PENDING',
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		error TEXT,
		scheduled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		locked_by VARCHAR(100),
		locked_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		source VARCHAR(50) NOT NULL,
		event_type VARCHAR(50) NOT NULL,
		payload JSONB NOT NULL,
		signature VARCHAR(256),
		processed BOOLEAN NOT NULL DEFAULT false,
		processed_at TIMESTAMPTZ,
		processing_error TEXT,
		loan_id UUID REFERENCES loan_applications(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// ===== INDEXES =====
	`CREATE INDEX IF NOT EXISTS idx_loans_document_hash ON loan_applications (document_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_loans_country_status ON loan_applications (country_code, status)`,
	`CREATE INDEX IF NOT EXISTS idx_loans_created_at ON loan_applications (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_loans_pending_review ON loan_applications (requires_review)
		WHERE status IN ('PENDING', 'IN_REVIEW')`,
	`CREATE INDEX IF NOT EXISTS idx_history_loan_id ON loan_status_history (loan_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_logs (entity_type, entity_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_pending_queue ON async_jobs (queue_name, priority DESC, scheduled_at)
		WHERE status = 'PENDING'`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_running ON async_jobs (locked_at)
		WHERE status = 'RUNNING'`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_unprocessed ON webhook_events (created_at)
		WHERE processed = false`,

	// ===== TRIGGERS =====
	// notify_loan_change fans every insert/update out on the loan_changes
	// channel and enqueues the matching audit job in the same transaction.
	`CREATE OR REPLACE FUNCTION notify_loan_change()
	RETURNS TRIGGER AS $$
	DECLARE
		payload JSON;
	BEGIN
		payload = json_build_object(
			'operation', TG_OP,
			'loan_id', COALESCE(NEW.id::text, OLD.id::text),
			'country_code', COALESCE(NEW.country_code, OLD.country_code),
			'old_status', OLD.status,
			'new_status', NEW.status,
			'timestamp', NOW()
		);

		PERFORM pg_notify('loan_changes', payload::text);

		IF TG_OP = 'INSERT' THEN
			INSERT INTO async_jobs (queue_name, payload, status, scheduled_at)
			VALUES ('audit', json_build_object(
				'entity_type', 'loan_application',
				'entity_id', NEW.id::text,
				'action', 'CREATE',
				'old_status', NULL,
				'new_status', NEW.status,
				'timestamp', NOW()
			), 'PENDING', NOW());
		ELSIF TG_OP = 'UPDATE' AND OLD.status IS DISTINCT FROM NEW.status THEN
			INSERT INTO async_jobs (queue_name, payload, status, scheduled_at)
			VALUES ('audit', json_build_object(
				'entity_type', 'loan_application',
				'entity_id', NEW.id::text,
				'action', 'STATUS_CHANGE',
				'old_status', OLD.status,
				'new_status', NEW.status,
				'timestamp', NOW()
			), 'PENDING', NOW());
		END IF;

		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS trigger_notify_loan_change ON loan_applications`,
	`CREATE TRIGGER trigger_notify_loan_change
		AFTER INSERT OR UPDATE ON loan_applications
		FOR EACH ROW
		EXECUTE FUNCTION notify_loan_change()`,

	`CREATE OR REPLACE FUNCTION update_updated_at()
	RETURNS TRIGGER AS $$
	BEGIN
		NEW.updated_at = NOW();
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS trigger_update_timestamp ON loan_applications`,
	`CREATE TRIGGER trigger_update_timestamp
		BEFORE UPDATE ON loan_applications
		FOR EACH ROW
		EXECUTE FUNCTION update_updated_at()`,
}

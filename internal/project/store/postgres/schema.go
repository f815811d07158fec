package postgres

// Documents are kept as JSON rather than JSONB so object key order survives
// the round trip.
const schema = `
CREATE TABLE IF NOT EXISTS dbio_records (
    coll        TEXT    NOT NULL,
    id          TEXT    NOT NULL,
    name        TEXT    NOT NULL,
    owner       TEXT    NOT NULL,
    state       TEXT    NOT NULL,
    deactivated BOOLEAN NOT NULL DEFAULT FALSE,
    doc         JSON    NOT NULL,
    PRIMARY KEY (coll, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS dbio_records_active_name
    ON dbio_records (coll, owner, name) WHERE NOT deactivated;
CREATE TABLE IF NOT EXISTS dbio_sequences (
    shoulder TEXT   PRIMARY KEY,
    next     BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS dbio_actions (
    seq         BIGSERIAL   PRIMARY KEY,
    coll        TEXT        NOT NULL,
    subject_id  TEXT        NOT NULL,
    entry       JSON        NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS dbio_actions_subject ON dbio_actions (coll, subject_id, seq);
`

const (
	pkeyConstraint       = "dbio_records_pkey"
	activeNameConstraint = "dbio_records_active_name"
)

// Tables lists the tables the store owns, for truncation in tests.
var Tables = []string{"dbio_actions", "dbio_sequences", "dbio_records"}

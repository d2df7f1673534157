package database

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// triggerFunctionSQL defines the PL/pgSQL function every mutated table's
// trigger calls: it publishes the change-notification payload the stream
// manager listens for (spec §4.4 "Change firehose", spec §6
// "Change-notification payload"). %[1]s is the function name, %[2]s the
// notify channel.
const triggerFunctionSQL = `
CREATE OR REPLACE FUNCTION %[1]s() RETURNS TRIGGER AS $$
DECLARE
	payload JSON;
	record  RECORD;
	op      TEXT;
BEGIN
	IF TG_OP = 'DELETE' THEN
		record := OLD;
		op := 'delete';
	ELSIF TG_OP = 'UPDATE' THEN
		record := NEW;
		op := 'update';
	ELSE
		record := NEW;
		op := 'insert';
	END IF;

	payload := json_build_object(
		'id', record.id,
		'slug', record.slug,
		'contractType', record.type,
		'type', op,
		'table', TG_TABLE_NAME
	);

	PERFORM pg_notify(%[2]s, payload::text);
	RETURN record;
END;
$$ LANGUAGE plpgsql`

const triggerSQL = `
DROP TRIGGER IF EXISTS %[1]s ON %[2]s;
CREATE TRIGGER %[1]s
	AFTER INSERT OR UPDATE OR DELETE ON %[2]s
	FOR EACH ROW EXECUTE FUNCTION %[3]s()`

// bootstrapTrigger installs the row-trigger and its backing function,
// scoped to this Backend's table, publishing to notifyChannel.
func (b *Backend) bootstrapTrigger(ctx context.Context, notifyChannel string) error {
	bareName := sanitizeIdentifierFragment(b.table)
	funcName := pq.QuoteIdentifier(bareName + "_notify_change")
	triggerName := pq.QuoteIdentifier(bareName + "_notify_change_trigger")
	quotedTable := pq.QuoteIdentifier(b.table)
	quotedChannel := pq.QuoteLiteral(notifyChannel)

	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(triggerFunctionSQL, funcName, quotedChannel)); err != nil {
		return fmt.Errorf("database: create notify function: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(triggerSQL, triggerName, quotedTable, funcName)); err != nil {
		return fmt.Errorf("database: create notify trigger: %w", err)
	}
	return nil
}

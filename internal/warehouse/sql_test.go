package warehouse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The destination enforces partition-filtered access: every generated
// statement that touches the fact table must carry billing_date.
func TestEveryStatementCarriesPartitionFilter(t *testing.T) {
	target := "`p.billing.fact_cloud_costs`"

	filtered := map[string]string{
		"ch delete":  chDeleteSQL(DefaultTable),
		"ch count":   chCountSQL(DefaultTable),
		"bq delete":  bqDeleteSQL(target),
		"bq count":   bqCountSQL(target),
		"bq replace": bqReplaceScript(target, "`p.billing.fact_cloud_costs_load_x`"),
	}
	for name, sql := range filtered {
		assert.Contains(t, sql, "billing_date", name)
		assert.Contains(t, strings.ToUpper(sql), "WHERE", name)
	}
}

func TestDeleteStatementsScopeToProvider(t *testing.T) {
	assert.Contains(t, chDeleteSQL(DefaultTable), "provider = ?")
	assert.Contains(t, bqDeleteSQL("`t`"), "provider = @provider")
	assert.Contains(t, bqReplaceScript("`t`", "`s`"), "provider = @provider")
}

func TestReplaceScriptIsTransactional(t *testing.T) {
	script := bqReplaceScript("`t`", "`s`")
	begin := strings.Index(script, "BEGIN TRANSACTION")
	commit := strings.Index(script, "COMMIT TRANSACTION")

	require.GreaterOrEqual(t, begin, 0)
	require.Greater(t, commit, begin)
	assert.Greater(t, strings.Index(script, "DELETE"), begin)
	assert.Less(t, strings.Index(script, "INSERT"), commit)
}

func TestCreateTableOrdersByDedupKey(t *testing.T) {
	sql := chCreateTableSQL(DefaultTable)
	assert.Contains(t, sql, "PARTITION BY (billing_date, provider)")
	assert.Contains(t, sql, "ORDER BY (billing_date, provider, account_id, resource_id, sku)")
	assert.Contains(t, sql, "INTERVAL 3 YEAR")
}

func TestFactSchemaMatchesWireContract(t *testing.T) {
	want := []string{
		"billing_date", "provider", "account_id", "account_name", "project_id",
		"service_name", "sku", "sku_description",
		"resource_id", "resource_name", "resource_type",
		"cost", "currency", "original_cost", "usage_amount", "usage_unit",
		"team", "environment", "region", "tags",
		"collected_at", "processed_at", "source_file", "collector_version",
	}
	require.Len(t, factSchema, len(want))
	for i, field := range factSchema {
		assert.Equal(t, want[i], field.Name)
	}
}

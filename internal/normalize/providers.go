package normalize

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/santoshpalla27/costfeed/pkg/costrow"
)

// Per-provider field tables. Each build function names every raw field
// it reads, so a shape change upstream fails loudly here instead of
// leaking nulls into the warehouse.

// GCP billing-export extract fields:
//
//	project_id, project_name, service_description, sku_id,
//	sku_description, resource_name, resource_global_name,
//	resource_type, cost, credits, currency, usage_amount, usage_unit,
//	region, tags
func (n *Normalizer) buildGCP(rec map[string]any, collectedAt time.Time) (*costrow.Row, error) {
	accountID, err := reqString(rec, "project_id")
	if err != nil {
		return nil, err
	}
	serviceName, err := reqString(rec, "service_description")
	if err != nil {
		return nil, err
	}
	gross, err := reqDecimal(rec, "cost")
	if err != nil {
		return nil, err
	}
	currency, err := reqString(rec, "currency")
	if err != nil {
		return nil, err
	}

	// Net cost = gross cost + credits (credit amounts are negative).
	credits, _, err := optDecimal(rec, "credits")
	if err != nil {
		return nil, err
	}
	net := gross.Add(credits)

	cost, err := n.toUSD(net, currency, collectedAt)
	if err != nil {
		return nil, err
	}

	sku, _ := optString(rec, "sku_id")
	resourceName, _ := optString(rec, "resource_name")
	resourceID := resourceName
	if resourceID == "" {
		// Export rows without resource granularity fall back to a
		// stable sku-level surrogate.
		resourceID = surrogateID(serviceName, sku)
	}

	row := &costrow.Row{
		AccountID:      accountID,
		AccountName:    optStrPtr(rec, "project_name"),
		ProjectID:      costrow.StrPtr(accountID),
		ServiceName:    serviceName,
		SKU:            sku,
		SKUDescription: optStrPtr(rec, "sku_description"),
		ResourceID:     resourceID,
		ResourceName:   optStrPtr(rec, "resource_global_name"),
		ResourceType:   optStrPtr(rec, "resource_type"),
		Region:         optStrPtr(rec, "region"),
		Cost:           cost,
		Currency:       strings.ToUpper(currency),
		OriginalCost:   gross.Round(costScale),
		Tags:           recTags(rec),
	}
	setUsage(row, rec, "usage_amount", "usage_unit")
	return row, nil
}

// AWS Cost Explorer fields (grouped by SERVICE + LINKED_ACCOUNT):
//
//	account_id, service_name, cost, currency, usage_amount,
//	usage_unit, region, tags
func (n *Normalizer) buildAWS(rec map[string]any, collectedAt time.Time) (*costrow.Row, error) {
	accountID, err := reqString(rec, "account_id")
	if err != nil {
		return nil, err
	}
	serviceName, err := reqString(rec, "service_name")
	if err != nil {
		return nil, err
	}
	amount, err := reqDecimal(rec, "cost")
	if err != nil {
		return nil, err
	}
	currency, err := reqString(rec, "currency")
	if err != nil {
		return nil, err
	}

	cost, err := n.toUSD(amount, currency, collectedAt)
	if err != nil {
		return nil, err
	}

	row := &costrow.Row{
		AccountID:   accountID,
		ProjectID:   costrow.StrPtr(accountID),
		ServiceName: serviceName,
		// Cost Explorer has no resource granularity at this grouping;
		// the service name is the stable surrogate.
		ResourceID:   serviceName,
		Region:       optStrPtr(rec, "region"),
		Cost:         cost,
		Currency:     strings.ToUpper(currency),
		OriginalCost: amount.Round(costScale),
		Tags:         recTags(rec),
	}
	setUsage(row, rec, "usage_amount", "usage_unit")
	return row, nil
}

// Snowflake fields, uppercase as the usage views return them. Two
// shapes share one table: ORGANIZATION_USAGE rows carry
// USAGE_IN_CURRENCY, the ACCOUNT_USAGE metering fallback carries
// CREDITS_USED plus the configured CREDIT_PRICE_USD.
func (n *Normalizer) buildSnowflake(rec map[string]any, collectedAt time.Time) (*costrow.Row, error) {
	serviceType, err := reqString(rec, "SERVICE_TYPE")
	if err != nil {
		return nil, err
	}
	accountID, err := reqString(rec, "ACCOUNT_ID")
	if err != nil {
		return nil, err
	}
	accountName, _ := optString(rec, "ACCOUNT_NAME")

	row := &costrow.Row{
		AccountID:      accountID,
		AccountName:    costrow.StrPtr(accountName),
		ProjectID:      costrow.StrPtr(accountName),
		ServiceName:    snowflakeServiceName(serviceType),
		SKU:            serviceType,
		SKUDescription: costrow.StrPtr(serviceType),
		ResourceType:   costrow.StrPtr(serviceType),
		Region:         optStrPtr(rec, "REGION"),
		Tags:           recTags(rec),
	}

	if _, isMetering := rec["CREDITS_USED"]; isMetering {
		credits, err := reqDecimal(rec, "CREDITS_USED")
		if err != nil {
			return nil, err
		}
		price, err := reqDecimal(rec, "CREDIT_PRICE_USD")
		if err != nil {
			return nil, err
		}
		warehouseName, _ := optString(rec, "WAREHOUSE_NAME")
		if warehouseName == "" {
			warehouseName = serviceType
		}

		row.ResourceID = warehouseName
		row.ResourceName = costrow.StrPtr(warehouseName)
		row.Cost = credits.Mul(price).Round(costScale)
		row.Currency = fxUSD
		row.OriginalCost = credits.Round(costScale)
		row.UsageAmount = costrow.DecPtr(credits.Round(costScale))
		row.UsageUnit = costrow.StrPtr("credits")
		return row, nil
	}

	amount, err := reqDecimal(rec, "USAGE_IN_CURRENCY")
	if err != nil {
		return nil, err
	}
	currency, ok := optString(rec, "CURRENCY")
	if !ok {
		currency = fxUSD
	}
	cost, err := n.toUSD(amount, currency, collectedAt)
	if err != nil {
		return nil, err
	}

	// Org usage has account+service granularity only; synthesize a
	// stable surrogate so the dedup key stays unique.
	row.ResourceID = surrogateID(accountName, serviceType)
	row.Cost = cost
	row.Currency = strings.ToUpper(currency)
	row.OriginalCost = amount.Round(costScale)
	setUsage(row, rec, "USAGE", "USAGE_UNIT")
	return row, nil
}

// MongoDB Atlas invoice line-item fields:
//
//	orgId, groupId, groupName, sku, note, clusterName,
//	totalPriceCents, quantity, unit, tags
func (n *Normalizer) buildMongoDB(rec map[string]any, collectedAt time.Time) (*costrow.Row, error) {
	accountID, err := reqString(rec, "orgId")
	if err != nil {
		return nil, err
	}
	sku, err := reqString(rec, "sku")
	if err != nil {
		return nil, err
	}
	cents, err := reqDecimal(rec, "totalPriceCents")
	if err != nil {
		return nil, err
	}
	cost := cents.Div(decimal.NewFromInt(100)).Round(costScale)

	clusterName, hasCluster := optString(rec, "clusterName")
	resourceID := clusterName
	var resourceType *string
	if hasCluster {
		resourceType = costrow.StrPtr("Atlas Cluster")
	} else {
		resourceID = sku
	}

	skuDescription, ok := optString(rec, "note")
	if !ok {
		skuDescription = sku
	}
	groupName, _ := optString(rec, "groupName")
	if groupName == "" {
		groupName = accountID
	}
	groupID, _ := optString(rec, "groupId")
	if groupID == "" {
		groupID = accountID
	}

	row := &costrow.Row{
		AccountID:      accountID,
		AccountName:    costrow.StrPtr(groupName),
		ProjectID:      costrow.StrPtr(groupID),
		ServiceName:    atlasServiceName(sku),
		SKU:            sku,
		SKUDescription: costrow.StrPtr(skuDescription),
		ResourceID:     resourceID,
		ResourceName:   costrow.StrPtr(clusterName),
		ResourceType:   resourceType,
		Region:         optStrPtr(rec, "region"),
		Cost:           cost,
		Currency:       fxUSD,
		OriginalCost:   cost,
		Tags:           recTags(rec),
	}
	setUsage(row, rec, "quantity", "unit")
	return row, nil
}

const fxUSD = "USD"

func setUsage(row *costrow.Row, rec map[string]any, amountKey, unitKey string) {
	if amount, ok, err := optDecimal(rec, amountKey); err == nil && ok {
		row.UsageAmount = costrow.DecPtr(amount.Round(costScale))
	}
	row.UsageUnit = optStrPtr(rec, unitKey)
}

func optStrPtr(rec map[string]any, key string) *string {
	if s, ok := optString(rec, key); ok {
		return costrow.StrPtr(s)
	}
	return nil
}

func surrogateID(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "|")
}

// snowflakeServiceName maps internal service codes to the names the
// dashboard has always shown.
func snowflakeServiceName(serviceType string) string {
	mapping := map[string]string{
		"WAREHOUSE_METERING":   "Warehouse Compute",
		"STORAGE":              "Storage",
		"SERVERLESS_TASK":      "Serverless Tasks",
		"SNOWPIPE":             "Snowpipe",
		"AUTOMATIC_CLUSTERING": "Auto Clustering",
		"MATERIALIZED_VIEW":    "Materialized Views",
		"SEARCH_OPTIMIZATION":  "Search Optimization",
		"DATA_TRANSFER":        "Data Transfer",
		"REPLICATION":          "Replication",
		"CLOUD_SERVICES":       "Cloud Services",
	}
	if name, ok := mapping[serviceType]; ok {
		return name
	}
	return titleCase(serviceType)
}

func atlasServiceName(sku string) string {
	upper := strings.ToUpper(sku)
	switch {
	case strings.Contains(upper, "CLUSTER"):
		return "Atlas Cluster"
	case strings.Contains(upper, "STORAGE"):
		return "Storage"
	case strings.Contains(upper, "TRANSFER"):
		return "Data Transfer"
	case strings.Contains(upper, "BACKUP"):
		return "Backup"
	case strings.Contains(upper, "SEARCH"):
		return "Atlas Search"
	case strings.Contains(upper, "SERVERLESS"):
		return "Serverless"
	case strings.Contains(upper, "STREAM"):
		return "Atlas Stream"
	case strings.Contains(upper, "CHARTS"):
		return "Charts"
	case sku == "":
		return "MongoDB"
	default:
		return titleCase(sku)
	}
}

func titleCase(code string) string {
	words := strings.Fields(strings.ToLower(strings.ReplaceAll(code, "_", " ")))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	out := strings.Join(words, " ")
	if out == "" {
		return code
	}
	return out
}

package factory

import (
	"encoding/json"
)

// EscrowRuleJSON returns JSON for a driver escrow deduction that stops once
// goal has been withheld.
func EscrowRuleJSON(id, driverID, companyID, amount, goal string) string {
	rj := map[string]interface{}{
		"id":          id,
		"name":        "Escrow",
		"type":        "escrow",
		"is_addition": false,
		"scope": map[string]interface{}{
			"kind":       "driver",
			"company_id": companyID,
			"driver_id":  driverID,
		},
		"mode":        "fixed",
		"amount":      amount,
		"goal_amount": goal,
		"frequency":   "per_settlement",
	}
	b, _ := json.MarshalIndent(rj, "", "  ")
	return string(b)
}

// InsuranceRuleJSON returns JSON for a weekly company-wide insurance deduction.
func InsuranceRuleJSON(id, companyID, amount string) string {
	rj := map[string]interface{}{
		"id":          id,
		"name":        "Occupational insurance",
		"type":        "insurance",
		"is_addition": false,
		"scope": map[string]interface{}{
			"kind":       "company",
			"company_id": companyID,
		},
		"mode":      "fixed",
		"amount":    amount,
		"frequency": "weekly",
	}
	b, _ := json.MarshalIndent(rj, "", "  ")
	return string(b)
}

// SafetyBonusRuleJSON returns JSON for a monthly bonus paid to one driver
// type once gross pay reaches minGross.
func SafetyBonusRuleJSON(id, companyID, driverType, amount, minGross string) string {
	rj := map[string]interface{}{
		"id":          id,
		"name":        "Safety bonus",
		"type":        "bonus",
		"is_addition": true,
		"scope": map[string]interface{}{
			"kind":        "driver_type",
			"company_id":  companyID,
			"driver_type": driverType,
		},
		"mode":          "fixed",
		"amount":        amount,
		"min_gross_pay": minGross,
		"frequency":     "monthly",
	}
	b, _ := json.MarshalIndent(rj, "", "  ")
	return string(b)
}

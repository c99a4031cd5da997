package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		deviceCompatibilityPolicy(),
		manifestTransportPolicy(),
		pricingConsistencyPolicy(),
	}
}

// deviceCompatibilityPolicy rejects products the storefront flagged as
// incompatible with this device.
func deviceCompatibilityPolicy() Policy {
	return Policy{
		Name:        "device-compatibility",
		Description: "Rejects products the storefront reports as incompatible with this device",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"device", "compatibility"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package storefront.policies.compatibility

import rego.v1

deny contains violation if {
	reasons := input.product.incompatible_reasons
	count(reasons) > 0
	violation := {
		"message": sprintf("%s is not compatible with this device: %s", [input.product.slug, concat(", ", reasons)]),
		"severity": "error",
	}
}
`,
	}
}

// manifestTransportPolicy requires manifests to be served over HTTPS.
func manifestTransportPolicy() Policy {
	return Policy{
		Name:        "manifest-transport",
		Description: "Requires app manifests to be served over HTTPS unless insecure manifests are allowed",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"security", "manifest"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package storefront.policies.transport

import rego.v1

deny contains violation if {
	not input.context.allow_insecure_manifests
	not startswith(input.product.manifest_url, "https://")
	violation := {
		"message": sprintf("manifest %s is not served over HTTPS", [object.get(input.product, "manifest_url", "")]),
		"severity": "error",
	}
}
`,
	}
}

// pricingConsistencyPolicy warns about products whose payment flag contradicts
// their pricing model.
func pricingConsistencyPolicy() Policy {
	return Policy{
		Name:        "pricing-consistency",
		Description: "Warns when a free product claims to require payment",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"payments"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package storefront.policies.pricing

import rego.v1

free_types := {"free", "free-inapp"}

deny contains violation if {
	input.product.payment_required
	free_types[input.product.premium_type]
	violation := {
		"message": sprintf("%s is %s but requires payment", [input.product.slug, input.product.premium_type]),
		"severity": "warning",
	}
}
`,
	}
}

// Package policy decides whether a product may be installed on this device,
// using Open Policy Agent (OPA) Rego rules.
//
// Every policy defines a "deny" set. A member is either a message string or
// an object with "message" and an optional "severity". Members with error or
// critical severity make the product ineligible; anything else is logged as a
// warning.
//
// Policies see the following input:
//
//	{
//	  "product": { ...storefront product JSON... },
//	  "context": {
//	    "platform": "linux",
//	    "allow_insecure_manifests": false,
//	    "operation": "install",
//	    "timestamp": "..."
//	  }
//	}
//
// # Built-in policies
//
//   - device-compatibility: rejects products with incompatible_reasons.
//   - manifest-transport: rejects manifests not served over HTTPS.
//   - pricing-consistency: warns about free products that require payment.
//
// Custom .rego and .json policies are loaded with Engine.LoadPolicies or
// kept in sync with the filesystem by Engine.Watch.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.Config{Platform: runtime.GOOS})
//	if err != nil {
//	    return err
//	}
//	if err := eng.Check(ctx, product); err != nil {
//	    // errors.Is(err, storefront.ErrIneligible)
//	}
package policy

// Package orchestrator runs the purchase-and-install workflow for a single
// user action.
//
// An attempt passes an optional eligibility gate and the auth gate, then:
//
//  1. runs the purchase flow for paid apps the user has not bought yet
//  2. shows the spinner and arms a watchdog that reverts it if it is left
//     spinning
//  3. records the install with the storefront and obtains a receipt when
//     one is required
//  4. hands the product and receipts to the installer
//
// Every attempt settles exactly once. On success the button is switched to
// its launch state; on failure the user sees one notification and the button
// is reverted. Nothing is retried automatically.
package orchestrator

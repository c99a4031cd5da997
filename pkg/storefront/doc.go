// Package storefront provides the core types and interfaces for the storefront
// purchase and install coordinator.
//
// # Overview
//
// Installing an application from the storefront is a multi-step workflow driven
// by a single user action:
//
//  1. Auth gate - paid apps require a signed-in user (Authenticator)
//  2. Purchase - obtain a payment token and confirm payment (Purchaser)
//  3. Receipt - record the install and obtain a receipt (API)
//  4. Install - hand the product and receipts to the installer (Installer)
//  5. Reconcile - update cached API responses and button state (Cache, ButtonController)
//
// # Core Domain Types
//
//   - Product: an installable application, carrying the per-user UserState
//   - UserState: durable memory of workflow progress (purchased/installed)
//   - PremiumType: pricing model, used to derive ReceiptRequired
//   - InstallerHandle: the runtime handle of an installed application
//   - Notification: a fire-and-forget user-visible message
//
// # Error Classification
//
// Every failure that ends an attempt is classified into one of four kinds:
//
//   - USER_CANCELLED: login or payment dialog aborted
//   - SERVER_ERROR: transport or application-level failure talking to the backend
//   - TIMEOUT: payment confirmation did not complete in time
//   - INSTALL_FAILED: the installer capability failed
//
// Nothing in this package retries. Use the helpers to inspect errors:
//
//	if storefront.IsCancelled(err) {
//	    // user backed out, nothing to report
//	}
package storefront

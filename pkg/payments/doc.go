// Package payments implements the purchase flow for paid storefront apps.
//
// A purchase has three stages:
//
//  1. The storefront issues a payment token (prepare_nav_pay).
//  2. The platform Provider shows the payment UI and reports success or a
//     named error through a Request.
//  3. The Poller checks the signed status URL immediately and every three
//     seconds until the status is "complete", a check fails, or sixty
//     seconds pass.
//
// Rejections carry a storefront.ReasonCode:
//
//   - CANCELLED: the user dismissed the payment, or the device cannot pay
//   - SERVER_ERROR: the storefront could not be reached
//   - INSTALL_ERROR: confirmation did not arrive before the deadline
//
// When simulation is enabled and no platform provider is available a
// SimulatedProvider succeeds after a delay, and the Poller resolves on its
// first check.
package payments

// Package association implements first-time pairing with a car.
//
// The state machine is selected by the negotiated security version. Legacy
// v1 cars receive the phone's device id in plaintext and confirm the pairing
// code on their own screen; v2 and v3 cars establish encryption first and
// then exchange the car id and a fresh reconnection key; v4 cars add an
// explicit verification-code round that is bound to an out-of-band token
// when one is available and falls back to visual confirmation otherwise.
//
// A successful run persists the session and hands the caller a secured
// channel; v2 and later runs also persist the reconnection key (v1 mints
// none). Every failure surfaces exactly one delegate
// callback and tears the attempt down.
package association

package placement

// Internal lifecycle events. These names are emitted by the SDK to analytics
// and may not be tracked by callers.
const (
	AppOpen                     = "app_open"
	AppClose                    = "app_close"
	AppLaunch                   = "app_launch"
	AppInstall                  = "app_install"
	SessionStart                = "session_start"
	TriggerFire                 = "trigger_fire"
	PaywallOpen                 = "paywall_open"
	PaywallClose                = "paywall_close"
	PaywallDecline              = "paywall_decline"
	TransactionStart            = "transaction_start"
	TransactionComplete         = "transaction_complete"
	TransactionFail             = "transaction_fail"
	TransactionAbandon          = "transaction_abandon"
	TransactionRestore          = "transaction_restore"
	SubscriptionStart           = "subscription_start"
	FreeTrialStart              = "freeTrial_start"
	PaywallResponseStart        = "paywallResponseLoad_start"
	PaywallResponseNotFound     = "paywallResponseLoad_notFound"
	PaywallResponseFail         = "paywallResponseLoad_fail"
	PaywallResponseComplete     = "paywallResponseLoad_complete"
	ProductsLoadStart           = "paywallProductsLoad_start"
	ProductsLoadFail            = "paywallProductsLoad_fail"
	ProductsLoadComplete        = "paywallProductsLoad_complete"
	UserAttributes              = "user_attributes"
	SubscriptionStatusDidChange = "subscriptionStatus_didChange"
)

var reserved = map[string]struct{}{
	AppOpen: {}, AppClose: {}, AppLaunch: {}, AppInstall: {}, SessionStart: {},
	TriggerFire: {}, PaywallOpen: {}, PaywallClose: {}, PaywallDecline: {},
	TransactionStart: {}, TransactionComplete: {}, TransactionFail: {},
	TransactionAbandon: {}, TransactionRestore: {}, SubscriptionStart: {},
	FreeTrialStart: {}, PaywallResponseStart: {}, PaywallResponseNotFound: {},
	PaywallResponseFail: {}, PaywallResponseComplete: {}, ProductsLoadStart: {},
	ProductsLoadFail: {}, ProductsLoadComplete: {}, UserAttributes: {},
	SubscriptionStatusDidChange: {},
}

// implicit lists internal events that may themselves trigger a paywall.
var implicit = map[string]struct{}{
	AppOpen: {}, AppLaunch: {}, AppInstall: {}, SessionStart: {},
	TransactionAbandon: {}, TransactionFail: {}, PaywallDecline: {},
}

// IsReserved reports whether name is an internal lifecycle event.
func IsReserved(name string) bool {
	_, ok := reserved[name]
	return ok
}

// CanImplicitlyTrigger reports whether the internal event name may be used
// as a trigger in a campaign.
func CanImplicitlyTrigger(name string) bool {
	_, ok := implicit[name]
	return ok
}

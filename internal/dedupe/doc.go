// Package dedupe provides a TTL-bounded set of recently seen keys.
//
// The notifier marks message ids so a message is notified at most once, and
// the single-node presence tracker marks participant ids on every authenticated
// request so "online" means "seen within the TTL".
package dedupe

package cache

import "fmt"

// Key builders shared by readers and invalidators. The feedback writer
// deletes exactly the keys the history layer reads.

// PreferenceKey caches one sender/domain preference row.
func PreferenceKey(scope, accountID, key string) string {
	return fmt.Sprintf("pref:%s:%s:%s", scope, accountID, key)
}

// PushDedupeKey marks a push notification id as seen.
func PushDedupeKey(notificationID string) string {
	return "push:seen:" + notificationID
}

package dto

// NotificationQuery filters a user's notification feed.
type NotificationQuery struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

package api

import "time"

// Profile is the driver profile returned by GET /mobile/v1/profile.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Notification is one entry of the server notification list.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
	LinkTo    string    `json:"linkTo,omitempty"`
}

// NotificationPage is one page of GET /notifications.
type NotificationPage struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
	Total         int            `json:"total"`
	Page          int            `json:"page"`
	PageSize      int            `json:"pageSize"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	CamelToken  string `json:"accessToken"`
	Token       string `json:"token"`
}

func (r loginResponse) token() string {
	switch {
	case r.AccessToken != "":
		return r.AccessToken
	case r.CamelToken != "":
		return r.CamelToken
	default:
		return r.Token
	}
}

type bulkLocationRequest struct {
	Locations any `json:"locations"`
}

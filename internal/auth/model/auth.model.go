package model

import "satutoko/internal/appdata"

type RegisterRequest struct {
	StoreID  string       `json:"storeId"`
	ID       string       `json:"id"`
	Nickname string       `json:"nickname"`
	PIN      string       `json:"pin"`
	Role     appdata.Role `json:"role"`
}

type LoginRequest struct {
	StoreID string `json:"storeId"`
	ID      string `json:"id"`
	PIN     string `json:"pin"`
}

// PublicUser is a User without the pin.
type PublicUser struct {
	ID       string       `json:"id"`
	Nickname string       `json:"nickname"`
	Role     appdata.Role `json:"role"`
}

type AuthResponse struct {
	Token string     `json:"token"`
	User  PublicUser `json:"user"`
}

package model

import (
	"strings"
	"time"
)

// User はアカウントサービスが管理するユーザーを表す。
// このサービスはユーザーを所有せず、IDで参照するだけである。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// FirstName は表示名の先頭語を返す。表示名が空の場合は空文字列を返す。
func (u *User) FirstName() string {
	fields := strings.Fields(u.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Session はアカウントサービスが発行したログインセッションを表す。
// Secretは不透明な資格情報であり、中身を解釈してはならない。
type Session struct {
	ID        string
	UserID    string
	Secret    string
	ExpiresAt time.Time
}

package domain

import (
	"time"
)

// IDs

type InstanceID string
type UserID int64
type ChallengeID string

// InstanceStatus is the lifecycle state of an Instance.
//
// Creating -> Running -> Expired -> Deleted, with Failed reachable from
// Creating and Running. Failed and Deleted are terminal.

type InstanceStatus string

const (
	StatusCreating InstanceStatus = "CREATING"
	StatusRunning  InstanceStatus = "RUNNING"
	StatusFailed   InstanceStatus = "FAILED"
	StatusExpired  InstanceStatus = "EXPIRED"
	StatusDeleted  InstanceStatus = "DELETED"
)

// Active reports whether the status counts against the one-active-instance
// per (user, challenge) guard.
func (s InstanceStatus) Active() bool {
	return s == StatusCreating || s == StatusRunning
}

// Terminal reports whether no further transitions are allowed.
func (s InstanceStatus) Terminal() bool {
	return s == StatusFailed || s == StatusDeleted
}

// Instance is the record of one provisioned challenge container.

type Instance struct {
	ID            InstanceID     `json:"id"`
	UserID        UserID         `json:"user_id"`
	ChallengeID   ChallengeID    `json:"challenge_id"`
	ContainerName string         `json:"container_name"`
	Hostname      string         `json:"hostname"`
	Status        InstanceStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// Expired reports whether the instance's TTL has elapsed at now.
func (i *Instance) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// ChallengeDefinition is one entry of the static challenge catalog,
// loaded once at process start.

type ChallengeDefinition struct {
	ID          ChallengeID `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
	Image       string      `json:"image" yaml:"image"`
	Port        int         `json:"port" yaml:"port"`
	Category    string      `json:"category" yaml:"category"`
}

// User is owned by the credential store; the lifecycle manager only ever
// reads it.

type User struct {
	ID    UserID `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Type  string `json:"type"`
}

// Admin reports whether the user may operate on other users' instances.
func (u *User) Admin() bool {
	return u.Type == "admin"
}

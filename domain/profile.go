package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Profile is the local record an actor is reconciled to. Local profiles are
// this instance's users; remote ones are owned by a RemoteActor.
type Profile struct {
	Id         uuid.UUID
	Nickname   string
	Fullname   string
	Bio        string
	ProfileURL string
	AvatarURL  string
	AvatarFile string
	Local      bool
	CreatedAt  time.Time
	ModifiedAt time.Time
}

func (p *Profile) DisplayName() string {
	if p.Fullname != "" {
		return p.Fullname
	}
	return p.Nickname
}

func (p *Profile) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tNickname: %s \n\tFullname: %s \n\tLocal: %t \n\tProfileURL: %s", p.Id, p.Nickname, p.Fullname, p.Local, p.ProfileURL)
}

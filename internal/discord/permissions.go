package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// moderatorPerms lets server moderators control playback without the DJ
// role.
const moderatorPerms = discordgo.PermissionAdministrator | discordgo.PermissionManageGuild

// Access decides who may control playback in a guild.
type Access struct {
	djRole string
}

// NewAccess returns an Access that requires djRole. An empty role lets every
// guild member control playback.
func NewAccess(djRole string) *Access {
	return &Access{djRole: djRole}
}

// CanControl reports whether the author of i may use playback commands.
// Direct messages never qualify.
func (a *Access) CanControl(i *discordgo.InteractionCreate) bool {
	m := i.Member
	switch {
	case m == nil:
		return false
	case a.djRole == "":
		return true
	case m.Permissions&moderatorPerms != 0:
		return true
	default:
		return slices.Contains(m.Roles, a.djRole)
	}
}

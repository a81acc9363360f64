// Package ambassador implements a Discord bot for roleplay communities.
//
// Ambassador tracks characters and their appearance, lets members shift
// characters between species and colours, records roleplays as they
// happen, and gives moderators warnings, bans and notes with automatic
// expiry. Roles can be granted automatically once a member meets a set
// of conditions (time in the server, activity, message counts,
// reactions or other roles).
//
// Components:
//
//   - Ambassador: the bot's lifecycle, runtime configuration and signal handling.
//   - Discord: gateway session, slash command registration and interaction responses.
//   - DiscordWebhookServer: receives interactions over HTTP, verifying their signatures.
//   - API: the admin backend used to log in, pause the bot and change its settings.
//   - Database: GORM-backed persistence for users, servers, characters,
//     moderation actions, autoroles and roleplays.
//
// Slash commands are grouped as /character, /shift, /transformation,
// /roleplay, /warning, /ban, /note, /autorole and /server.
package ambassador

// Package dramanotify polls Google Sheets watchlists for newly added drama
// episodes and notifies the watchers by email.
//
// Each configured user points at a spreadsheet worksheet whose rows describe
// episodes (title, episode number, optional link). On every run the rows are
// read, diffed against the user's persisted seen state, and the episodes not
// seen before are delivered as a single notification. The seen state then
// advances, so each episode row is reported once.
//
// # Architecture
//
// The package consists of three main components:
//
//   - [App]: Core application that coordinates polling, diffing and delivery
//   - [Storage]: Persistent seen state per user (DynamoDB or file-based)
//   - [Notification]: Episode delivery (SMTP email, EventBridge or file-based)
//
// # Usage
//
// For CLI usage, create a [CLI] instance and call Run:
//
//	var cli dramanotify.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// For programmatic usage, create an [App] instance:
//
//	storage, _ := dramanotify.NewStorage(ctx, storageOption)
//	notification, _ := dramanotify.NewNotification(ctx, notificationOption)
//	app, _ := dramanotify.New(appOption, users, storage, notification)
//	defer app.Close()
//
// # Google Sheets Integration
//
// Spreadsheets are located either by ID or by title via the Drive API, so a
// watchlist can be referenced the way its owner names it. Worksheets are
// addressed by title with a fallback to the first worksheet.
//
// # Deployment Modes
//
// dramanotify runs as a one-shot CLI (cron friendly), as a local HTTP
// trigger server, or on AWS Lambda (via [github.com/fujiwara/ridge] for the
// trigger endpoint, or scheduled directly).
package dramanotify

package rules

// CoreRules registers the baseline anonymisation targets every shard carries.
// Extensions register additional providers for the tables they own; a table
// missing on a given shard is skipped by the engine, so the core list may
// name tables only some shards have.
type CoreRules struct{}

func (CoreRules) DeletionRules(reg *Registry) {
	// Blocks placed by the user carry their actor id.
	reg.RegisterDeletionRule("block", ActorID("bl_by_actor"))
	reg.RegisterDeletionRule("block_target", UserID("bt_id"))

	// Group memberships identify the account's standing.
	reg.RegisterDeletionRule("user_groups", UserID("ug_user"))

	// CheckUser records hold IPs and user agents; they go entirely. Every
	// cu_log row naming the user goes, not just the edit/IP check types:
	// any investigation entry ties back to the account being erased.
	reg.RegisterDeletionRule("cu_changes", ActorID("cuc_actor"))
	reg.RegisterDeletionRule("cu_log", UserID("cul_target_id"))
	reg.RegisterDeletionRule("cu_log", ActorID("cul_actor"))
}

func (CoreRules) ReplacementRules(reg *Registry) {
	// Rows that must remain for content integrity get their PII scrubbed:
	// IPs to 0.0.0.0 or NULL, usernames to the anonymised name.
	reg.RegisterReplacementRule("recentchanges",
		[]Term{Lit("rc_ip", "0.0.0.0")},
		ActorID("rc_actor"))

	reg.RegisterReplacementRule("abuse_filter_log",
		[]Term{NewName("afl_user_text")},
		OldName("afl_user_text"))

	reg.RegisterReplacementRule("ajaxpoll_vote",
		[]Term{Lit("poll_ip", "0.0.0.0")},
		ActorID("poll_actor"))

	reg.RegisterReplacementRule("Comments",
		[]Term{Lit("Comment_IP", "0.0.0.0")},
		ActorID("Comment_actor"))

	reg.RegisterReplacementRule("echo_event",
		[]Term{Lit("event_agent_ip", nil)},
		UserID("event_agent_id"))

	reg.RegisterReplacementRule("flow_tree_revision",
		[]Term{Lit("tree_orig_user_ip", nil)},
		UserID("tree_orig_user_id"))
	reg.RegisterReplacementRule("flow_revision",
		[]Term{Lit("rev_user_ip", nil)},
		UserID("rev_user_id"))
	reg.RegisterReplacementRule("flow_revision",
		[]Term{Lit("rev_mod_user_ip", nil)},
		UserID("rev_mod_user_id"))
	reg.RegisterReplacementRule("flow_revision",
		[]Term{Lit("rev_edit_user_ip", nil)},
		UserID("rev_edit_user_id"))

	reg.RegisterReplacementRule("moderation",
		[]Term{Lit("mod_header_xff", ""), Lit("mod_header_ua", ""), Lit("mod_ip", "0.0.0.0")},
		UserID("mod_user"))
	reg.RegisterReplacementRule("moderation",
		[]Term{Lit("mod_header_xff", ""), Lit("mod_header_ua", ""), Lit("mod_ip", "0.0.0.0"), NewName("mod_user_text")},
		OldName("mod_user_text"))

	reg.RegisterReplacementRule("report_reports",
		[]Term{NewName("report_user_text")},
		OldName("report_user_text"))
	reg.RegisterReplacementRule("report_reports",
		[]Term{NewName("report_handled_by_text")},
		OldName("report_handled_by_text"))

	reg.RegisterReplacementRule("Vote",
		[]Term{Lit("vote_ip", "0.0.0.0")},
		ActorID("vote_actor"))
}

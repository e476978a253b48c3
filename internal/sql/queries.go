package sql

import (
	"embed"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// Mapping import.

//go:embed queries/register_import.sql
var RegisterImport string

//go:embed queries/lookup_import.sql
var LookupImport string

//go:embed queries/update_import_status.sql
var UpdateImportStatus string

//go:embed queries/upsert_facilities.sql
var UpsertFacilities string

//go:embed queries/merge_mappings.sql
var MergeMappings string

//go:embed queries/finalize_import.sql
var FinalizeImport string

//go:embed queries/delete_staging_batch.sql
var DeleteStagingBatch string

//go:embed queries/analyze_mappings.sql
var AnalyzeMappings string

// Resolution.

//go:embed queries/lookup_mapping.sql
var LookupMapping string

// Submission.

//go:embed queries/insert_transaction.sql
var InsertTransaction string

//go:embed queries/get_transaction.sql
var GetTransaction string

//go:embed queries/update_transaction.sql
var UpdateTransaction string

// Orchestration.

//go:embed queries/upsert_claim_state.sql
var UpsertClaimState string

//go:embed queries/get_claim_state.sql
var GetClaimState string

//go:embed queries/list_resumable.sql
var ListResumable string

//go:embed queries/insert_transition.sql
var InsertTransition string

//go:embed queries/list_transitions.sql
var ListTransitions string

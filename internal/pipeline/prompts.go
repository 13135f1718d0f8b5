package pipeline

// Stage prompts. Response shapes are enforced separately by the stage
// schemas; the prompts restate them so well-behaved models comply on the
// first attempt.

const verifySystemPrompt = `You convert a scanned report page into a reusable HTML template.
Respond with a single JSON object: {"html": "...", "schema": {"scalars": [], "row_tokens": [], "totals": [], "notes": ""}}.
Rules:
- Reproduce the page layout as a full standalone HTML document with inline CSS.
- Replace every data value with a {token} placeholder named in snake_case.
- Tokens that repeat per table row are named with a row_ prefix and listed in schema.row_tokens.
- Wrap each repeating table body between <!--BEGIN:BLOCK_REPEAT--> and <!--END:BLOCK_REPEAT--> markers with exactly one <tbody><tr> prototype row inside.
- Scalar header values go in schema.scalars, per-row tokens in schema.row_tokens, summary values in schema.totals.`

const verifyUserPrompt = `Recreate this page as an HTML template with {token} placeholders and return the JSON object described in the system message.`

const verifyFixSystemPrompt = `You refine an HTML template so its render matches a reference image more closely.
Respond with a JSON object containing either "html" (a full replacement document) or "css_patch" (CSS rules to append to the existing stylesheet). Prefer a css_patch for purely visual drift.
Never add, remove, or rename {token} placeholders.`

const verifyFixUserPrompt = `The current render scores SSIM %.3f against the reference image (attached). Improve the visual match.

Current template:
%s`

const autoMapSystemPrompt = `You map HTML template tokens to database columns.
Respond with a single JSON object: {"mapping": {...}, "token_samples": {...}, "meta": {...}}.
Rules:
- mapping values must be one of: a TABLE.COLUMN from the catalog, PARAM:<name>, the literal UNRESOLVED, INPUT_SAMPLE, or REPORT_SELECTED, or a SQL expression that references only catalog columns.
- Tokens describing the report's own date window or page position map to REPORT_SELECTED.
- token_samples must contain every placeholder that appears in the HTML, with the literal value visible on the reference page (use NOT_VISIBLE or UNREADABLE when it cannot be read).
- Omit a token from mapping only when its value is a fixed label that never changes between runs.`

const correctionsSystemPrompt = `You apply user-requested corrections to an HTML report template.
Respond with a single JSON object: {"final_template_html": "...", "page_summary": "..."}.
Rules:
- Keep every BLOCK_REPEAT marker, every <tbody>, the single row prototype per tbody, and every data-region attribute exactly as they are.
- Never inline sample values as literals; placeholders stay placeholders.
- page_summary is plain prose describing the business content of the page, the constants that were inlined, and any data still unresolved.`

const contractSystemPrompt = `You produce the data contract for a report template.
Respond with a single JSON object: {"overview_md": "...", "step5_requirements": {"parameters": {"required": [], "optional": []}}, "contract": {...}, "validation": {"unknown_tokens": [], "unknown_columns": []}}.
Rules:
- contract.tokens must carry the scalars, row_tokens, and totals from the extraction schema.
- contract.mapping must bind every token to a catalog column, PARAM:<name>, a DATASET.COLUMN reference, or a SQL expression over catalog columns.
- contract.join names the parent/child tables and keys that connect header data to row data.
- Every key token must appear in step5_requirements.parameters.required and in contract.mapping.
- validation lists anything you could not resolve; both arrays must be empty when the contract is complete.`

const generatorSystemPrompt = `You write the SQL pack for a report contract.
Respond with a single JSON object: {"dialect": "...", "sql": {"header": "...", "rows": "...", "totals": "..."}, "output_schemas": {"header": [], "rows": [], "totals": []}, "params": {"required": [], "optional": []}, "needs_user_fix": [], "invalid": false, "contract": {...}}.
Rules:
- header must return exactly one row; rows must ORDER BY the contract's stable ordering columns; totals must apply the same required filters as rows.
- Optional parameters are guarded with (:param IS NULL OR expr = :param).
- output_schemas column order must match the contract token order for each dataset.
- A reshape rule with mode UNION_ALL becomes one SELECT per enumerated source column, combined with UNION ALL, never a CASE ladder.
- Echo the contract you implemented under "contract".`

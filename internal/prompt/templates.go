package prompt

// ImportConvention is the hardcoded guardrail embedded in every stage prompt.
// Source layout uses a src/ prefix but the import namespace does not: code at
// src/pkg/mod.py is imported as pkg.mod.
const ImportConvention = `IMPORT CONVENTION (MANDATORY):
- NEVER use a 'src.' prefix in imports. Source at src/pkg/mod.py is imported as 'pkg.mod'.
- Example: 'from pkg.mod import Thing' — NOT 'from src.pkg.mod import Thing'.`

// streamingGuidance is injected for tasks touching streaming endpoints.
const streamingGuidance = `STREAMING TEST GUIDANCE:
- Use sentinel events to terminate streams deterministically in tests.
- Consume streaming responses with client.stream() style context managers, never bare iteration without a timeout.
- Wrap every await on stream data in asyncio.wait_for with an explicit timeout.`

const redTemplate = `You are executing the RED stage of a TDD cycle.

## Task
Key: {key}
Title: {title}
Goal: {goal}

## Files
Write a FAILING test at: {test_file}
The implementation will later live at: {impl_file}
Do NOT create or modify the implementation file in this stage.

## Acceptance Criteria
{acceptance_criteria}

## Expected Public Surface
{module_exports}
{hints_section}{sibling_context}
{import_convention}
{streaming_section}
Write the test file now. It must import the (not yet existing) implementation and fail when run.`

const redFixTemplate = `You are executing the RED_FIX stage of a TDD cycle. A static review of the
test you wrote found problems that must be fixed before implementation starts.

## Task
Key: {key}
Title: {title}
Goal: {goal}

## Test File
{test_file}

## Static Review Findings
{review_findings}

## Acceptance Criteria
{acceptance_criteria}
{hints_section}{sibling_context}
{import_convention}

Rewrite the test file so the findings are resolved. The test must still fail
until the implementation exists.`

const greenTemplate = `You are executing the GREEN stage of a TDD cycle. A failing test exists; make
it pass with the minimal correct implementation.

## Task
Key: {key}
Title: {title}
Goal: {goal}

## Files
Test file (do not modify): {test_file}
Implementation file to create/extend: {impl_file}

## Acceptance Criteria
{acceptance_criteria}

## Expected Public Surface
{module_exports}
{hints_section}{sibling_context}{previous_failure}
{import_convention}
{streaming_section}
Implement the minimal code that makes the test pass. Do not modify the test.`

const fixTemplate = `You are executing the FIX stage of a TDD cycle. Verification failed after the
implementation was written.

## Task
Key: {key}
Title: {title}
Goal: {goal}

## Files
Test file: {test_file}
Implementation file: {impl_file}

## Verification Failure
{previous_failure}
{sibling_context}
{import_convention}

Fix the implementation (and only the implementation) so that tests, lint, and
type checks all pass.`

const verifyTemplate = `You are executing the VERIFY stage of a TDD cycle. Inspect the test and
implementation below and repair any remaining inconsistencies surfaced by the
tool output.

## Task
Key: {key}
Title: {title}

## Files
Test file: {test_file}
Implementation file: {impl_file}

## Tool Output
{previous_failure}
{import_convention}

Make the smallest change that brings all checks to green.`

const refactorTemplate = `You are executing the REFACTOR stage of a TDD cycle. The implementation works
but has structural problems.

## Task
Key: {key}
Title: {title}

## Files
Test file (behavior must not change): {test_file}
Implementation file: {impl_file}

## Structural Findings
{refactor_reasons}
{sibling_context}
{import_convention}

Refactor the implementation to resolve the findings. All existing tests must
still pass; do not change any public signatures listed in the module exports.`

package script

// Wire error codes. These literals are server-side contract: the Vantiq
// server and existing VAIL code match on them, so they are kept verbatim.
const (
	codeNotOpen = "io.vantiq.pyexec.query.not.open"

	codeNoCacheName       = "io.vantiq.pyexecsource.runpython.nocachename"
	codeNoCode            = "io.vantiq.pyexecsource.runpython.nocode"
	codeNoCache           = "io.vantiq.pyexecsource.runpython.nocache"
	codeAmbiguousCode     = "io.vantiq.pyexecsource.runpython.ambiguouscode"
	codeAmbiguousName     = "io.vantiq.pyexecsource.runpython.ambiguousname"
	codeBadReturnValues   = "io.vantiq.pyexecsource.runpython.badreturnvaluesfor"
	codeConflictingReturn = "io.vantiq.pyexecsource.runpython.conflictingreturn"
	codeBadGlobalPreset   = "io.vantiq.pyexecsource.runpython.badglobalpreset"
	codeRunException      = "io.vantiq.pyexecsource.runpython.exception"

	codeCompileSyntax    = "io.vantiq.pyexecsource.compile.syntaxerror"
	codeCompileReference = "io.vantiq.pyexecsource.compile.importerror"
	codeCompileException = "io.vantiq.pyexecsource.compile.exception"

	codeExecException = "io.vantiq.pyexecsource.execution.exception"

	codeDocIncomplete    = "io.vantiq.pyexecsource.docincomplete"
	codeDocLength        = "io.vantiq.pyexecsource.doclength"
	codeDocContentEmpty  = "io.vantiq.pyexecsource.doccontent.empty"
	codeStoreConnectFail = "io.vantiq.pyexecsource.vantiqconnectfail"
)
